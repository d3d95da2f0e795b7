package api

import (
	"encoding/json"
	"io"
	"math/big"
	"strconv"
)

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseInt64(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

func encodeJSON(w io.Writer, v interface{}) {
	_ = json.NewEncoder(w).Encode(v)
}

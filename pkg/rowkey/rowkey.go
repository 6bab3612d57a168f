// Package rowkey encodes a stable, opaque identity for one result row —
// its source table plus primary key values — so a dashboard client can
// track a row across preview refreshes and fan-out deltas without
// re-deriving identity from whichever columns happen to be selected.
package rowkey

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// Encode returns a canonical base64 handle of the form
// "schema.table|pkCol=val,...".
func Encode(schema, table string, pkCols []string, pkVals []any) string {
	pairs := make([]string, len(pkCols))
	for i := range pkCols {
		pairs[i] = fmt.Sprintf("%s=%v", pkCols[i], pkVals[i])
	}
	raw := fmt.Sprintf("%s.%s|%s", schema, table, strings.Join(pairs, ","))
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses a handle produced by Encode.
func Decode(handle string) (schema, table string, pk map[string]string, err error) {
	raw, err := base64.RawURLEncoding.DecodeString(handle)
	if err != nil {
		return "", "", nil, fmt.Errorf("rowkey: invalid base64: %w", err)
	}

	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return "", "", nil, fmt.Errorf("rowkey: malformed handle")
	}

	qualified, keyPart := parts[0], parts[1]
	split := strings.SplitN(qualified, ".", 2)
	if len(split) != 2 {
		return "", "", nil, fmt.Errorf("rowkey: malformed table path")
	}
	schema, table = split[0], split[1]

	pk = make(map[string]string)
	if keyPart != "" {
		for _, kv := range strings.Split(keyPart, ",") {
			pair := strings.SplitN(kv, "=", 2)
			if len(pair) != 2 {
				continue
			}
			pk[pair[0]] = pair[1]
		}
	}
	return schema, table, pk, nil
}

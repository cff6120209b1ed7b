package plan

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/databridge/dataapi/core"
)

// cursorPayload is the JSON shape sealed inside a cursor token: the ordered
// tuple of orderBy column values the last row on a page had, keyed by name
// so InvalidCursor can detect a stale orderBy mismatch deterministically.
type cursorPayload struct {
	Keys   []string      `json:"k"`
	Values []interface{} `json:"v"`
}

// EncodeCursor seals keys/values into the opaque base64url token handed back
// to the caller as endCursor. Sealing with AES-GCM (rather than plain
// base64(JSON)) keeps the tuple un-tamperable — a caller flipping a byte to
// probe for rows outside their authorized predicate gets InvalidCursor, not
// a different row.
func EncodeCursor(key [32]byte, keys []OrderKey, values []interface{}) (string, error) {
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = k.Column
	}
	payload, err := json.Marshal(cursorPayload{Keys: names, Values: values})
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nonce, nonce, payload, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// DecodeCursor reverses EncodeCursor and validates that the decoded key set
// matches expectedKeys exactly and in order — a mismatch means the caller's
// orderBy changed since the cursor was issued, surfaced as InvalidCursor
// rather than silently reinterpreted.
func DecodeCursor(key [32]byte, token string, expectedKeys []OrderKey) ([]interface{}, error) {
	sealed, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, core.WrapError(core.BadRequest, err, "invalid cursor encoding")
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, core.NewError(core.BadRequest, "invalid cursor: truncated")
	}
	nonce, ct := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, core.WrapError(core.BadRequest, err, "invalid cursor: authentication failed")
	}
	var p cursorPayload
	if err := json.Unmarshal(plain, &p); err != nil {
		return nil, core.WrapError(core.BadRequest, err, "invalid cursor: malformed payload")
	}
	if len(p.Keys) != len(expectedKeys) {
		return nil, fmt.Errorf("%w: cursor has %d keys, query orders by %d", ErrInvalidCursor, len(p.Keys), len(expectedKeys))
	}
	for i, k := range expectedKeys {
		if p.Keys[i] != k.Column {
			return nil, fmt.Errorf("%w: cursor key %d is %q, query orders by %q", ErrInvalidCursor, i, p.Keys[i], k.Column)
		}
	}
	return p.Values, nil
}

// TupleGreaterThan builds the strict "tuple greater than" predicate keyset
// pagination needs for an arbitrary orderBy tuple: for ASC keys this is the
// standard lexicographic expansion
//
//	(k1 > v1) OR (k1 = v1 AND k2 > v2) OR (k1 = v1 AND k2 = v2 AND k3 > v3) ...
//
// with '>' flipped to '<' per-key when that key orders DESC.
func TupleGreaterThan(keys []OrderKey, values []interface{}) *Exp {
	var root *Exp
	for i := range keys {
		clause := &Exp{Op: OpAnd}
		for j := 0; j < i; j++ {
			clause.Children = append(clause.Children, &Exp{
				Op: OpEquals, Column: keys[j].Column, ValType: ValLiteral, Val: values[j],
			})
		}
		op := OpGreaterThan
		if keys[i].Desc {
			op = OpLesserThan
		}
		clause.Children = append(clause.Children, &Exp{
			Op: op, Column: keys[i].Column, ValType: ValLiteral, Val: values[i],
		})
		if root == nil {
			root = clause
		} else {
			root = &Exp{Op: OpOr, Children: []*Exp{root, clause}}
		}
	}
	return root
}

package tile

import (
	"crypto/md5"
	"encoding/hex"
)

// Feature is a cached feature-query response. It is addressed by its
// parameter string when present, otherwise by the digest and length of Query.
type Feature struct {
	Parameters string
	Query      []byte
	Response   []byte
}

// QueryDigest returns the lower-case hex MD5 of the query body.
func (f Feature) QueryDigest() string {
	sum := md5.Sum(f.Query)
	return hex.EncodeToString(sum[:])
}

// ByParameters reports whether the feature is addressed by its parameters.
func (f Feature) ByParameters() bool {
	return f.Parameters != ""
}

package cache

import (
	"fmt"

	"github.com/mitchellh/hashstructure/v2"
)

// Key builds "{prefix}:{hash}" where hash fingerprints params. Equal
// parameter values produce equal keys regardless of map iteration order.
func Key(prefix string, params interface{}) (string, error) {
	h, err := hashstructure.Hash(params, hashstructure.FormatV2, nil)
	if err != nil {
		return "", fmt.Errorf("stoat/cache: hash parameters for %q: %w", prefix, err)
	}
	return fmt.Sprintf("%s:%016x", prefix, h), nil
}

// MustKey is like Key but panics if params cannot be hashed.
func MustKey(prefix string, params interface{}) string {
	k, err := Key(prefix, params)
	if err != nil {
		panic(err)
	}
	return k
}

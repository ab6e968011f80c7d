// Package paramstest provides the shipped parameter set for tests.
package paramstest

import (
	_ "embed"

	"github.com/Ramsey-B/clover/pkg/params"
)

//go:embed params.yaml
var defaultYAML []byte

// Default returns a fresh copy of the shipped parameter set
func Default() *params.Params {
	p, err := params.Parse(defaultYAML)
	if err != nil {
		panic(err)
	}
	return p
}

// Provider returns a static provider over Default, after applying mutators
func Provider(mutators ...func(*params.Params)) params.Static {
	p := Default()
	for _, m := range mutators {
		m(p)
	}
	return params.Static{P: p}
}

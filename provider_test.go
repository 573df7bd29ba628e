package weft

import (
	"testing"

	"github.com/raskyld/weft/pkg/alias"
	"github.com/raskyld/weft/pkg/ids"
	"github.com/stretchr/testify/require"
)

func testProvider(classType, version string) Provider {
	return Provider{
		ClassType:  classType,
		Version:    version,
		Outputs:    []ids.PortID{"changes"},
		ConfigKeys: []string{"bucket"},
		New: func(map[string]string) (Function, error) {
			return NopFunction{}, nil
		},
	}
}

func TestProviderRegistry(t *testing.T) {
	reg := newProviderRegistry()

	require.NoError(t, reg.register(testProvider("kv", "v1")))
	require.NoError(t, reg.register(testProvider("kv", "v2")))
	require.NoError(t, reg.register(testProvider("http", "v1")))

	err := reg.register(testProvider("kv", "v1"))
	require.ErrorIs(t, err, ErrProviderExists)

	p, ok := reg.get("kv", "v2")
	require.True(t, ok)
	require.Equal(t, "kv@v2", p.Key())

	_, ok = reg.get("kv", "v3")
	require.False(t, ok)

	keys := func(providers []Provider) []string {
		out := make([]string, len(providers))
		for i, p := range providers {
			out[i] = p.Key()
		}
		return out
	}
	require.Equal(t, []string{"kv@v1", "kv@v2"}, keys(reg.scan("kv@")))
	require.Equal(t, []string{"http@v1", "kv@v1", "kv@v2"}, keys(reg.scan("")))
	require.Empty(t, reg.scan("queue"))
}

func TestProviderRegistry_Invalid(t *testing.T) {
	reg := newProviderRegistry()

	cases := map[string]Provider{
		"no version":     testProvider("kv", ""),
		"no class":       testProvider("", "v1"),
		"separator":      testProvider("k@v", "v1"),
		"no constructor": {ClassType: "kv", Version: "v1"},
		"bad output": func() Provider {
			p := testProvider("kv", "v1")
			p.Outputs = []ids.PortID{"not a port"}
			return p
		}(),
	}
	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			require.ErrorIs(t, reg.register(p), ErrInvalidProvider)
		})
	}
	require.Empty(t, reg.scan(""))
}

func TestCheckResource(t *testing.T) {
	p := testProvider("kv", "v1")
	target := ids.InstanceID{Node: ids.NewNodeID(), Component: ids.NewComponentID()}

	require.NoError(t, checkResource(p, ResourceSpec{
		Config:  map[string]string{"bucket": "photos"},
		Outputs: map[ids.PortID]alias.Output{"changes": alias.SingleOutput(target)},
	}))

	cases := map[string]ResourceSpec{
		"missing key": {},
		"unknown key": {Config: map[string]string{"bucket": "photos", "region": "eu"}},
		"unknown output": {
			Config:  map[string]string{"bucket": "photos"},
			Outputs: map[ids.PortID]alias.Output{"deletes": alias.SingleOutput(target)},
		},
	}
	for name, spec := range cases {
		t.Run(name, func(t *testing.T) {
			require.ErrorIs(t, checkResource(p, spec), ErrInvalidSpec)
		})
	}
}

package negotiate

import (
	"errors"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"versionbridge/internal/engine"
	"versionbridge/internal/version"
)

type fakeSupported struct {
	ids []int
	err error
}

func (f fakeSupported) ServerProtocolVersions() ([]version.Version, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]version.Version, len(f.ids))
	for i, id := range f.ids {
		out[i] = version.Version{ID: id}
	}
	return out, nil
}

func (f fakeSupported) ServerProtocolVersion() (version.Version, error) {
	vs, err := f.ServerProtocolVersions()
	if err != nil {
		return version.Unknown, err
	}
	return vs[0], nil
}

type fakeDetector map[string]version.Version

func (d fakeDetector) ServerProtocolVersion(name string) version.Version {
	if v, ok := d[name]; ok {
		return v
	}
	return version.Unknown
}

func registry(t require.TestingT, ids ...int) *version.Registry {
	vs := make([]version.Version, len(ids))
	for i, id := range ids {
		vs[i] = version.Version{ID: id}
	}
	r, err := version.NewRegistry(vs...)
	require.NoError(t, err)
	return r
}

func frontend(peer int) *engine.UserConnection {
	s := engine.NewUserConnection(engine.Options{Role: engine.RoleServerSide})
	s.Info().SetProtocolVersion(version.Version{ID: peer})
	return s
}

func TestFrontendNegotiation(t *testing.T) {
	cases := []struct {
		name       string
		supported  []int
		registered []int
		peer       int
		want       int
	}{
		{"exact", []int{47, 340, 393}, nil, 340, 340},
		{"too old", []int{47, 340, 393}, nil, 5, 47},
		{"closest older", []int{340, 393}, nil, 500, 393},
		{"closest older registered", []int{47, 340, 393}, []int{340, 393}, 500, 393},
		{"skips unregistered", []int{340, 450}, nil, 500, 340},
		{"between", []int{47, 340, 393}, nil, 200, 47},
		{"exhausted", []int{100, 300}, nil, 200, 200},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			registered := tc.registered
			if registered == nil {
				registered = []int{47, 340, 393}
			}
			p := New(fakeSupported{ids: tc.supported}, fakeDetector{}, registry(t, registered...))
			got, err := p.ClosestServerProtocol(frontend(tc.peer))
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.ID)
		})
	}
}

func TestFrontendSupportedError(t *testing.T) {
	boom := errors.New("no versions")
	p := New(fakeSupported{err: boom}, fakeDetector{}, registry(t, 47))
	_, err := p.ClosestServerProtocol(frontend(47))
	assert.ErrorIs(t, err, boom)
}

func TestBackendUsesDetector(t *testing.T) {
	det := fakeDetector{"lobby": {ID: 340, Name: "1.12.2"}}
	p := New(fakeSupported{ids: []int{47}}, det, registry(t, 47, 340))

	s := engine.NewUserConnection(engine.Options{Role: engine.RoleClientSide, Destination: "lobby"})
	got, err := p.ClosestServerProtocol(s)
	require.NoError(t, err)
	assert.Equal(t, 340, got.ID)

	s = engine.NewUserConnection(engine.Options{Role: engine.RoleClientSide, Destination: "games"})
	got, err = p.ClosestServerProtocol(s)
	require.NoError(t, err)
	assert.Equal(t, version.Unknown, got)
}

func TestFrontendNegotiationProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ids := rapid.SliceOfNDistinct(rapid.IntRange(0, 800), 1, 12, rapid.ID[int]).Draw(rt, "supported")
		sort.Ints(ids)
		registered := rapid.SliceOfNDistinct(rapid.IntRange(0, 800), 1, 12, rapid.ID[int]).Draw(rt, "registered")
		peer := rapid.IntRange(0, 900).Draw(rt, "peer")

		reg := registry(rt, registered...)
		p := New(fakeSupported{ids: ids}, fakeDetector{}, reg)
		got, err := p.ClosestServerProtocol(frontend(peer))
		if err != nil {
			rt.Fatal(err)
		}

		switch {
		case contains(ids, peer):
			if got.ID != peer {
				rt.Fatalf("exact match %d negotiated to %d", peer, got.ID)
			}
		case peer < ids[0]:
			if got.ID != ids[0] {
				rt.Fatalf("too old %d negotiated to %d, want %d", peer, got.ID, ids[0])
			}
		case got.ID != peer:
			if !contains(ids, got.ID) || !reg.IsRegistered(got.ID) || got.ID >= peer {
				rt.Fatalf("peer %d negotiated to invalid %d", peer, got.ID)
			}
			for _, id := range ids {
				if id > got.ID && id < peer && reg.IsRegistered(id) {
					rt.Fatalf("peer %d negotiated to %d, skipping %d", peer, got.ID, id)
				}
			}
		}
	})
}

func contains(ids []int, id int) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

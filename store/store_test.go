package store

import (
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obinexus/gov-clock/errors"
	"github.com/obinexus/gov-clock/manifest"
	"github.com/obinexus/gov-clock/version"
)

func mf(id, v, taxonomy string) manifest.Manifest {
	return manifest.Manifest{
		ComponentID:   id,
		Version:       version.MustParse(v),
		TaxonomyClass: taxonomy,
	}
}

func ids(ms []manifest.Manifest) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.String()
	}
	return out
}

func TestRegisterLookup(t *testing.T) {
	s := New()
	require.NoError(t, s.Register(mf("svc.clock", "1.0.0", ""), manifest.LocalCache))
	require.NoError(t, s.Register(mf("svc.clock", "1.2.0", ""), manifest.LocalCache))
	require.NoError(t, s.Register(mf("svc.clock", "1.1.5", ""), manifest.VendorCertified))

	got, ok := s.Lookup("svc.clock")
	require.True(t, ok)
	assert.Equal(t, []string{"svc.clock@1.2.0", "svc.clock@1.1.5", "svc.clock@1.0.0"}, ids(got))
	assert.Equal(t, 3, s.Len())

	_, ok = s.Lookup("svc.clo")
	assert.False(t, ok, "an interior node holds no manifests")

	_, ok = s.Lookup("svc.clock.extra")
	assert.False(t, ok)
}

func TestRegister_Duplicate(t *testing.T) {
	s := New()
	require.NoError(t, s.Register(mf("svc.clock", "1.0.0", ""), manifest.LocalCache))

	err := s.Register(mf("svc.clock", "1.0.0", ""), manifest.ObinexusDirect)
	assert.ErrorIs(t, err, errors.ErrAlreadyRegistered)

	// build metadata is part of the identity
	require.NoError(t, s.Register(mf("svc.clock", "1.0.0+b2", ""), manifest.LocalCache))
	assert.Equal(t, 2, s.Len())
}

func TestRegister_InvalidID(t *testing.T) {
	s := New()
	for _, id := range []string{"", "svc clock", "svc\x01clock"} {
		err := s.Register(mf(id, "1.0.0", ""), manifest.LocalCache)
		assert.ErrorIs(t, err, errors.ErrInvalidID, "id %q", id)
	}
	assert.Equal(t, 0, s.Len())
	assert.Empty(t, s.IDs())
}

func TestRecords_SourceAndOrder(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	s := New(WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}))

	require.NoError(t, s.Register(mf("svc.timer", "2.0.0+a", ""), manifest.CommunityContrib))
	require.NoError(t, s.Register(mf("svc.timer", "2.0.0+b", ""), manifest.VendorCertified))

	recs, ok := s.Records("svc.timer")
	require.True(t, ok)
	require.Len(t, recs, 2)
	assert.Equal(t, "b", recs[0].Manifest.Version.BuildMetadata, "later registration first on equal versions")
	assert.Equal(t, manifest.VendorCertified, recs[0].Source)
	assert.Equal(t, base.Add(2*time.Second), recs[0].RegisteredAt)
	assert.Greater(t, recs[0].Sequence(), recs[1].Sequence())
}

func TestUnregister(t *testing.T) {
	s := New()
	require.NoError(t, s.Register(mf("svc.alarm", "1.0.0", ""), manifest.LocalCache))
	require.NoError(t, s.Register(mf("svc.alarm.snooze", "1.0.0", ""), manifest.LocalCache))

	assert.True(t, s.Unregister("svc.alarm", "1.0.0"))
	assert.False(t, s.Unregister("svc.alarm", "1.0.0"))
	assert.False(t, s.Unregister("svc.none", "1.0.0"))

	_, ok := s.Lookup("svc.alarm")
	assert.False(t, ok)

	got, ok := s.Lookup("svc.alarm.snooze")
	require.True(t, ok, "descendants survive unregistration")
	assert.Len(t, got, 1)
	assert.Equal(t, 1, s.Len())

	require.NoError(t, s.Register(mf("svc.alarm", "1.0.0", ""), manifest.LocalCache))
}

func TestSearchByPrefix(t *testing.T) {
	s := New()
	for _, m := range []manifest.Manifest{
		mf("svc.timer", "1.0.0", "time.timer"),
		mf("svc.clock", "1.0.0", "time.clock.analog"),
		mf("svc.clock", "2.0.0", "time.clock.digital"),
		mf("svc.clock.basic", "1.0.0", "time.clock"),
		mf("svc.alarm", "1.0.0", "time.alarm"),
		mf("net.ntp", "4.0.0", "net.sync"),
	} {
		require.NoError(t, s.Register(m, manifest.LocalCache))
	}

	t.Run("ordered walk", func(t *testing.T) {
		got := slices.Collect(s.SearchByPrefix("svc.", "", 0))
		assert.Equal(t, []string{
			"svc.alarm@1.0.0",
			"svc.clock@2.0.0",
			"svc.clock@1.0.0",
			"svc.clock.basic@1.0.0",
			"svc.timer@1.0.0",
		}, ids(got))
	})

	t.Run("taxonomy filter", func(t *testing.T) {
		got := slices.Collect(s.SearchByPrefix("", "time.clock", 0))
		assert.Equal(t, []string{"svc.clock@2.0.0", "svc.clock@1.0.0", "svc.clock.basic@1.0.0"}, ids(got))

		got = slices.Collect(s.SearchByPrefix("svc", "time.clock.digital", 0))
		assert.Equal(t, []string{"svc.clock@2.0.0"}, ids(got))
	})

	t.Run("max results", func(t *testing.T) {
		got := slices.Collect(s.SearchByPrefix("svc", "", 2))
		assert.Equal(t, []string{"svc.alarm@1.0.0", "svc.clock@2.0.0"}, ids(got))
	})

	t.Run("early break", func(t *testing.T) {
		var got []string
		for m := range s.SearchByPrefix("", "", 0) {
			got = append(got, m.String())
			if len(got) == 3 {
				break
			}
		}
		assert.Equal(t, []string{"net.ntp@4.0.0", "svc.alarm@1.0.0", "svc.clock@2.0.0"}, got)
	})

	t.Run("unknown prefix", func(t *testing.T) {
		assert.Empty(t, slices.Collect(s.SearchByPrefix("zzz", "", 0)))
	})

	t.Run("restartable", func(t *testing.T) {
		seq := s.SearchByPrefix("net", "", 0)
		assert.Len(t, slices.Collect(seq), 1)
		require.NoError(t, s.Register(mf("net.ptp", "1.0.0", "net.sync"), manifest.LocalCache))
		assert.Len(t, slices.Collect(seq), 2)
	})

	assert.Equal(t, []string{"net.ntp", "net.ptp", "svc.alarm", "svc.clock", "svc.clock.basic", "svc.timer"}, s.IDs())
}

func TestConcurrentRegisterAndLookup(t *testing.T) {
	s := New()
	const writers = 8
	const perWriter = 50

	var wg sync.WaitGroup
	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWriter {
				id := fmt.Sprintf("svc.w%d", w)
				assert.NoError(t, s.Register(mf(id, fmt.Sprintf("1.%d.0", i), "time"), manifest.LocalCache))
				got, ok := s.Lookup(id)
				if assert.True(t, ok, "lookup after register observes it") {
					assert.Equal(t, fmt.Sprintf("1.%d.0", i), got[0].Version.String())
				}
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for range 100 {
			for range s.SearchByPrefix("svc", "time", 10) {
			}
		}
	}()

	wg.Wait()
	assert.Equal(t, writers*perWriter, s.Len())
	assert.Len(t, slices.Collect(s.SearchByPrefix("svc.w", "", 0)), writers*perWriter)
}

func TestConcurrentDuplicateRegistration(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0

	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Register(mf("svc.race", "1.0.0", ""), manifest.LocalCache) == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, s.Len())
}

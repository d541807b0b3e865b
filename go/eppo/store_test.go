package eppo

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agridata/refdata/go/provider"
)

func TestGetCode(t *testing.T) {
	var store, _, _ = buildFixture(t)

	// Lookup is case-insensitive; only active names are returned.
	code, err := store.GetCode("lypes", "")
	require.NoError(t, err)
	require.Equal(t, "LYPES", code.Eppocode)
	require.Equal(t, "PFL", code.Type)
	require.Equal(t, "2001-01-02", code.Creation)
	require.Len(t, code.Names, 3)
	require.NotNil(t, code.Preferred)
	require.Equal(t, "Tomato", code.Preferred.Fullname)
	require.True(t, code.Preferred.IsPreferred)

	// Language filter narrows the name list but not the preferred name.
	code, err = store.GetCode("LYPES", "la")
	require.NoError(t, err)
	require.Len(t, code.Names, 1)
	require.Equal(t, "Solanum lycopersicum", code.Names[0].Fullname)
	require.Equal(t, "L.", code.Names[0].Authority)
	require.Equal(t, "Tomato", code.Preferred.Fullname)

	_, err = store.GetCode("ZZZZZ", "")
	require.ErrorIs(t, err, provider.ErrNotFound)

	// Admitted codes only: GONE1 was inactive, NOTPL of a disallowed type.
	_, err = store.GetCode("GONE1", "")
	require.ErrorIs(t, err, provider.ErrNotFound)
	_, err = store.GetCode("NOTPL", "")
	require.ErrorIs(t, err, provider.ErrNotFound)
}

func TestGetNameFallbackChain(t *testing.T) {
	var store, _, _ = buildFixture(t)

	// Exact country variant wins.
	name, err := store.GetName("LYPES", "en", "US")
	require.NoError(t, err)
	require.Equal(t, "Tomato (US)", name.Fullname)
	require.Equal(t, "US", name.LangCountry)

	// Unknown country falls back to the country-less row.
	name, err = store.GetName("LYPES", "en", "CA")
	require.NoError(t, err)
	require.Equal(t, "Tomato", name.Fullname)

	// Lower-case country is normalised.
	name, err = store.GetName("lypes", "en", "us")
	require.NoError(t, err)
	require.Equal(t, "Tomato (US)", name.Fullname)

	// No name in the language at all.
	_, err = store.GetName("LYPES", "de", "")
	require.ErrorIs(t, err, provider.ErrNotFound)

	// Repeat lookups exercise the memo; results are stable.
	for i := 0; i != 3; i++ {
		name, err = store.GetName("LYPES", "en", "CA")
		require.NoError(t, err)
		require.Equal(t, "Tomato", name.Fullname)

		_, err = store.GetName("LYPES", "de", "")
		require.ErrorIs(t, err, provider.ErrNotFound)
	}
}

func TestGetNamePrefersPreferredWithinTier(t *testing.T) {
	var store, _, _ = buildFixture(t)

	// Both "Tomato" and "Tomato (US)" carry lang=en; the lang-only tier
	// must pick the preferred row first.
	name, err := store.GetName("LYPES", "en", "")
	require.NoError(t, err)
	require.Equal(t, "Tomato", name.Fullname)
}

func TestSearchPrefix(t *testing.T) {
	var store, _, _ = buildFixture(t)

	page, err := store.Search("tom", SearchParams{})
	require.NoError(t, err)
	require.Equal(t, int64(2), page.Total)
	require.Len(t, page.Results, 2)
	for _, r := range page.Results {
		require.Equal(t, "LYPES", r.Eppocode)
		require.NotNil(t, r.Preferred)
		require.Equal(t, "Tomato", r.Preferred.Fullname)
	}

	// Inactive names are not indexed.
	page, err = store.Search("lycopersicon", SearchParams{})
	require.NoError(t, err)
	require.Zero(t, page.Total)
}

func TestSearchFoldsDiacritics(t *testing.T) {
	var store, _, _ = buildFixture(t)

	// Folded and unfolded queries return identical results.
	for _, q := range []string{"cafe", "café", "CAFE"} {
		var page, err = store.Search(q, SearchParams{})
		require.NoError(t, err)
		require.Equal(t, int64(1), page.Total, "query %q", q)
		require.Equal(t, "café marron", page.Results[0].Fullname)
	}

	for _, q := range []string{"λεμον", "λεμόν"} {
		var page, err = store.Search(q, SearchParams{})
		require.NoError(t, err)
		require.Equal(t, int64(1), page.Total, "query %q", q)
		require.Equal(t, "λεμόνι", page.Results[0].Fullname)
	}
}

func TestSearchMatchAll(t *testing.T) {
	var store, _, _ = buildFixture(t)

	// "*" and queries folding to no phrase token list every active name
	// rather than erroring inside FTS5.
	for _, q := range []string{"*", ",", "  ", `"`} {
		var page, err = store.Search(q, SearchParams{})
		require.NoError(t, err, "query %q", q)
		require.Equal(t, int64(5), page.Total, "query %q", q)
	}

	// Name-ordered listing still honours filters.
	page, err := store.Search("*", SearchParams{Lang: "en"})
	require.NoError(t, err)
	require.Equal(t, int64(2), page.Total)
	require.Equal(t, "Tomato", page.Results[0].Fullname)
	require.Equal(t, "Tomato (US)", page.Results[1].Fullname)
}

func TestSearchFilters(t *testing.T) {
	var store, _, _ = buildFixture(t)

	page, err := store.Search("tom", SearchParams{Lang: "la"})
	require.NoError(t, err)
	require.Zero(t, page.Total)

	page, err = store.Search("solanum", SearchParams{Lang: "la"})
	require.NoError(t, err)
	require.Equal(t, int64(1), page.Total)

	page, err = store.Search("tom", SearchParams{Country: "us"})
	require.NoError(t, err)
	require.Equal(t, int64(1), page.Total)
	require.Equal(t, "Tomato (US)", page.Results[0].Fullname)
}

func TestSearchPagination(t *testing.T) {
	var store, _, _ = buildFixture(t)

	page, err := store.Search("tom", SearchParams{Limit: 1})
	require.NoError(t, err)
	require.Equal(t, int64(2), page.Total)
	require.Len(t, page.Results, 1)

	next, err := store.Search("tom", SearchParams{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, next.Results, 1)
	require.NotEqual(t, page.Results[0].Fullname, next.Results[0].Fullname)
}

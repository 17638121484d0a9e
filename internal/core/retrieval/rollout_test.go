package retrieval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedRollout(percent int) RolloutFunc {
	return func(tenantID string) int { return percent }
}

func TestRouter_RouteIsDeterministic(t *testing.T) {
	router := NewRouter("", fixedRollout(50), testLogger())

	// 同じ (tenantID, userID) の組は常に同じバージョンに到達する
	first := router.Route(testTenant, "user-1")
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, router.Route(testTenant, "user-1"))
	}
}

func TestRouter_RouteBoundaries(t *testing.T) {
	assert.Equal(t, VersionV1, NewRouter("", fixedRollout(0), testLogger()).Route(testTenant, "u"))
	assert.Equal(t, VersionV2, NewRouter("", fixedRollout(100), testLogger()).Route(testTenant, "u"))
}

func TestRouter_RouteDistribution(t *testing.T) {
	router := NewRouter("", fixedRollout(30), testLogger())

	v2Count := 0
	total := 1000
	for i := 0; i < total; i++ {
		if router.Route(testTenant, string(rune('a'+i%26))+string(rune('0'+i%10))+string(rune(i))) == VersionV2 {
			v2Count++
		}
	}

	// FNVハッシュ % 100 の分布なのでおおむね30%前後になる
	assert.Greater(t, v2Count, total*15/100)
	assert.Less(t, v2Count, total*45/100)
}

func TestRouter_ForceOverridesPercent(t *testing.T) {
	// 環境レベルのオーバーライドは割合ルールより優先される
	forced := NewRouter("v2", fixedRollout(0), testLogger())
	assert.Equal(t, VersionV2, forced.Route(testTenant, "u"))

	forcedV1 := NewRouter("v1", fixedRollout(100), testLogger())
	assert.Equal(t, VersionV1, forcedV1.Route(testTenant, "u"))
}

type markerRetriever struct {
	marker string
	called bool
}

func (m *markerRetriever) Search(ctx context.Context, tenantID, query string, k int) ([]*Result, error) {
	m.called = true
	return []*Result{{Chunk: &Chunk{TenantID: tenantID, Content: m.marker}}}, nil
}

func TestVersionedRetriever_RoutesToV2(t *testing.T) {
	v1 := &markerRetriever{marker: "v1"}
	v2 := &markerRetriever{marker: "v2"}
	vr := NewVersionedRetriever(NewRouter("v2", nil, testLogger()), v1, v2, testLogger())

	results, err := vr.SearchAs(context.Background(), testTenant, "u", "q", 5)
	require.NoError(t, err)
	assert.Equal(t, "v2", results[0].Chunk.Content)
	assert.True(t, v2.called)
	assert.False(t, v1.called)
}

func TestVersionedRetriever_FallsBackWhenV2Missing(t *testing.T) {
	v1 := &markerRetriever{marker: "v1"}
	vr := NewVersionedRetriever(NewRouter("v2", nil, testLogger()), v1, nil, testLogger())

	results, err := vr.SearchAs(context.Background(), testTenant, "u", "q", 5)
	require.NoError(t, err)
	assert.Equal(t, "v1", results[0].Chunk.Content)
}

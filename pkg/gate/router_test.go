package gate_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stonegate/slgcore/pkg/gate"
)

func testRules() []gate.Rule {
	return []gate.Rule{
		{ProtoIDLow: 1, ProtoIDHigh: 99, Target: gate.TargetLogin, Description: "login"},
		{ProtoIDLow: 100, ProtoIDHigh: 199, Target: gate.TargetGame, RequireAuth: true, Description: "game"},
		{ProtoIDLow: 200, ProtoIDHigh: 299, Target: gate.TargetWorld, RequireAuth: true, Description: "world"},
		{ProtoIDLow: 900, ProtoIDHigh: 999, Target: gate.TargetLocal, Description: "local control"},
	}
}

func TestRouter_RequiresAuthForGatedRule(t *testing.T) {
	r := gate.NewRouter(testRules(), nil)
	s := gate.NewSession()

	res := r.Route(context.Background(), s, 150)
	assert.Equal(t, gate.CodeAuthRequired, res.Code)
}

func TestRouter_MigratingSessionBlocksNonLocalTargets(t *testing.T) {
	r := gate.NewRouter(testRules(), nil)
	s := gate.NewSession()
	require.True(t, s.Authenticate(1))
	require.True(t, s.EnterGame(1, "w:1", 1, "g:1"))
	require.True(t, s.StartMigration())

	res := r.Route(context.Background(), s, 150)
	assert.Equal(t, gate.CodeMigrating, res.Code)

	localRes := r.Route(context.Background(), s, 950)
	assert.Equal(t, gate.CodeSuccess, localRes.Code, "LOCAL target must still route while migrating")
}

func TestRouter_NoTargetWhenAddressMissing(t *testing.T) {
	r := gate.NewRouter(testRules(), nil)
	s := gate.NewSession()
	require.True(t, s.Authenticate(1))

	res := r.Route(context.Background(), s, 150)
	assert.Equal(t, gate.CodeNoTarget, res.Code, "authenticated but not yet in a game has no gameAddr")
}

func TestRouter_SuccessResolvesSessionAddress(t *testing.T) {
	r := gate.NewRouter(testRules(), nil)
	s := gate.NewSession()
	require.True(t, s.Authenticate(1))
	require.True(t, s.EnterGame(1, "world:9000", 2, "game:9001"))

	res := r.Route(context.Background(), s, 150)
	assert.Equal(t, gate.CodeSuccess, res.Code)
	assert.Equal(t, "game:9001", res.Address)

	worldRes := r.Route(context.Background(), s, 250)
	assert.Equal(t, "world:9000", worldRes.Address)
}

func TestRouter_UnmatchedProtoIDDefaultsToGame(t *testing.T) {
	r := gate.NewRouter(testRules(), nil)
	s := gate.NewSession()
	require.True(t, s.Authenticate(1))
	require.True(t, s.EnterGame(1, "w:1", 1, "g:1"))

	res := r.Route(context.Background(), s, 12345)
	assert.Equal(t, gate.CodeSuccess, res.Code)
	assert.Equal(t, gate.TargetGame, res.Target)
}

func TestRouter_RuleCacheIsStableAcrossCalls(t *testing.T) {
	r := gate.NewRouter(testRules(), nil)
	s := gate.NewSession()
	require.True(t, s.Authenticate(1))
	require.True(t, s.EnterGame(1, "w:1", 1, "g:1"))

	first := r.Route(context.Background(), s, 150)

	for i := 0; i < 50; i++ {
		res := r.Route(context.Background(), s, 150)
		assert.Equal(t, first.Target, res.Target)
	}
}

package router

import (
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cursorbot/cursorbot/pkg/bus"
)

func TestRouteIdempotentWithNoRules(t *testing.T) {
	rt := New()
	d := rt.Route("c1", bus.ChatDM, "hello", "", nil)
	require.True(t, d.Processed)
	require.False(t, d.Blocked)
	assert.Equal(t, "hello", d.TransformedText)
	assert.Empty(t, d.Forwards)
}

func TestRouteDisabledChannelBlocks(t *testing.T) {
	rt := New()
	rt.ConfigureChannel("c1", func(c *ChannelConfig) { c.Enabled = false })
	d := rt.Route("c1", bus.ChatDM, "hi", "", nil)
	assert.True(t, d.Blocked, "expected disabled channel to block")
}

func TestRouteDenySetBeatsAllowSet(t *testing.T) {
	rt := New()
	rt.ConfigureChannel("c1", func(c *ChannelConfig) {
		c.AllowCommands["echo"] = true
		c.DenyCommands["echo"] = true
	})
	d := rt.Route("c1", bus.ChatDM, "/echo hi", "echo", nil)
	assert.True(t, d.Blocked, "expected deny-set to win over allow-set")
}

// S5 — Router priority and transform: rules (prio 10, matches ^/echo,
// transforms "hello"->"HELLO"), (prio 5, matches ^/echo, block=true).
// Input "/echo hello". Priority 10 runs first and transforms; priority 5
// then matches and short-circuits the route as blocked.
func TestRoutePriorityShortCircuitsOnBlock(t *testing.T) {
	rt := New()
	echoPattern := regexp.MustCompile(`^/echo`)
	rt.SetRules([]*Rule{
		{
			Name:           "transform-echo",
			Priority:       10,
			CommandPattern: echoPattern,
			Transform: func(s string) (string, error) {
				return strings.Replace(s, "hello", "HELLO", 1), nil
			},
		},
		{
			Name:           "block-echo",
			Priority:       5,
			CommandPattern: echoPattern,
			Block:          true,
		},
	})

	d := rt.Route("c1", bus.ChatDM, "/echo hello", "/echo", nil)
	assert.True(t, d.Blocked, "expected deny dominance: priority-5 block must short-circuit after priority-10 runs")
}

func TestRouteLastWriterWinsOnTargetAgent(t *testing.T) {
	rt := New()
	rt.SetRules([]*Rule{
		{Name: "r1", Priority: 10, TargetAgent: "agent-a"},
		{Name: "r2", Priority: 5, TargetAgent: "agent-b"},
	})
	d := rt.Route("c1", bus.ChatDM, "hi", "", nil)
	assert.Equal(t, "agent-b", d.TargetAgent)
}

func TestRouteTransformErrorRetainsPriorState(t *testing.T) {
	rt := New()
	rt.SetRules([]*Rule{
		{Name: "ok", Priority: 10, Transform: func(s string) (string, error) { return s + "!", nil }},
		{Name: "bad", Priority: 5, Transform: func(s string) (string, error) { return "", errBoom }},
	})
	d := rt.Route("c1", bus.ChatDM, "hi", "", nil)
	assert.Equal(t, "hi!", d.TransformedText)
}

var errBoom = &transformError{"boom"}

type transformError struct{ msg string }

func (e *transformError) Error() string { return e.msg }

func TestRouteDedupesForwardsPreservingFirstSeen(t *testing.T) {
	rt := New()
	rt.SetRules([]*Rule{
		{Name: "r1", Priority: 10, ForwardChannels: []string{"a", "b"}},
		{Name: "r2", Priority: 5, ForwardChannels: []string{"b", "c"}},
	})
	d := rt.Route("c1", bus.ChatDM, "hi", "", nil)
	assert.Equal(t, []string{"a", "b", "c"}, d.Forwards)
}

func TestForwardNeverRaisesAndReportsFailures(t *testing.T) {
	rt := New()
	rt.RegisterSender("good", func(target, text, source string) error { return nil })

	result := rt.Forward("hi", []string{"good", "missing"}, "c1")
	require.Len(t, result.Success, 1)
	assert.Equal(t, "good", result.Success[0])
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "missing", result.Failed[0].Target)
}

func TestResolveAliasRewritesCommandAheadOfRules(t *testing.T) {
	rt := New()
	rt.SetAliases(map[string]string{"/e": "/echo"})
	rt.SetRules([]*Rule{
		{Name: "echo-only", Priority: 10, CommandPattern: regexp.MustCompile(`^/echo$`), TargetAgent: "echo-agent"},
	})

	d := rt.Route("c1", bus.ChatDM, "/e hi", "/e", nil)
	assert.Equal(t, "echo-agent", d.TargetAgent, "expected /e to resolve to /echo before rule matching")
}

func TestResolveAliasLeavesUnknownCommandUnchanged(t *testing.T) {
	rt := New()
	rt.SetAliases(map[string]string{"/e": "/echo"})
	assert.Equal(t, "/status", rt.ResolveAlias("/status"))
}

func TestRouteCooldownBlocksRapidRepeat(t *testing.T) {
	rt := New()
	rt.ConfigureChannel("c1", func(c *ChannelConfig) { c.Cooldown = time.Hour })

	first := rt.Route("c1", bus.ChatDM, "hi", "", nil)
	require.False(t, first.Blocked, "expected first message through cooldown to be admitted")

	second := rt.Route("c1", bus.ChatDM, "hi again", "", nil)
	assert.True(t, second.Blocked, "expected second message within cooldown window to block")
}

func TestRouteRateLimitBlocksAfterPerMinuteCap(t *testing.T) {
	rt := New()
	rt.ConfigureChannel("c1", func(c *ChannelConfig) { c.RateLimit = 2 })

	for i := 0; i < 2; i++ {
		d := rt.Route("c1", bus.ChatDM, "hi", "", nil)
		require.False(t, d.Blocked, "expected message %d within rate limit to be admitted", i+1)
	}
	d := rt.Route("c1", bus.ChatDM, "hi", "", nil)
	assert.True(t, d.Blocked, "expected message exceeding per-minute rate limit to block")
}

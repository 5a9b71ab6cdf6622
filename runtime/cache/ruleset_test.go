package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRuleset(t *testing.T) {
	rs, err := LoadRuleset([]byte(testManifest))
	require.NoError(t, err)
	assert.Equal(t, 1, rs.Version())
	assert.ElementsMatch(t, []string{"account", "report"}, rs.Entities())

	rules := rs.RulesFor("account", OpUpdate)
	require.Len(t, rules, 1)
	assert.Equal(t, []string{"account:{id}", "org:{orgId}:accounts"}, rules[0].Patterns)
	assert.Equal(t, []string{"org:{orgId}"}, rules[0].Tags)

	assert.Empty(t, rs.RulesFor("report", OpDelete), "report rules only cover update")
	assert.Empty(t, rs.RulesFor("session", OpCreate))
}

func TestLoadRulesetRejectsInvalidManifests(t *testing.T) {
	cases := map[string]string{
		"not yaml": "{{{{",
		"missing version": `
rules:
  - entity: account
    operations: [update]
    patterns: ["account:{id}"]
`,
		"missing operations": `
version: 1
rules:
  - entity: account
    patterns: ["account:{id}"]
`,
		"unknown operation": `
version: 1
rules:
  - entity: account
    operations: [upsert]
    patterns: ["account:{id}"]
`,
		"neither patterns nor tags": `
version: 1
rules:
  - entity: account
    operations: [update]
`,
		"unknown field": `
version: 1
rules:
  - entity: account
    operations: [update]
    patterns: ["account:{id}"]
    scan: true
`,
	}
	for name, manifest := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadRuleset([]byte(manifest))
			require.ErrorIs(t, err, ErrInvalidArgument)
		})
	}
}

func TestExpandPattern(t *testing.T) {
	vars := map[string]string{"id": "a1", "orgId": "o9"}

	got, resolved := expandPattern("account:{id}", vars)
	assert.True(t, resolved)
	assert.Equal(t, "account:a1", got)

	got, resolved = expandPattern("org:{orgId}:account:{id}", vars)
	assert.True(t, resolved)
	assert.Equal(t, "org:o9:account:a1", got)

	got, resolved = expandPattern("report:{reportId}:summary", vars)
	assert.False(t, resolved)
	assert.Equal(t, "report:", got, "unresolved placeholders fall back to the literal prefix")

	got, resolved = expandPattern("static:key", nil)
	assert.True(t, resolved)
	assert.Equal(t, "static:key", got)
}

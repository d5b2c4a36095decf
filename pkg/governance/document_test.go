package governance_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/covenant/pkg/contracts"
	"github.com/Mindburn-Labs/covenant/pkg/governance"
	"github.com/Mindburn-Labs/covenant/pkg/governance/govtest"
	"github.com/Mindburn-Labs/covenant/pkg/quorum"
)

func counterPolicy() governance.Policy {
	return governance.Policy{
		ID:         "counter",
		Approval:   govtest.Stage(quorum.Fraction(0.6), "a1", "a2", "a3"),
		Validation: govtest.Stage(quorum.Count(1), "v1", "v2"),
	}
}

func TestParseDocument_Valid(t *testing.T) {
	f := govtest.NewFixture(t, "owner", "a1", "a2", "a3", "v1", "v2")
	doc, err := governance.ParseDocument(govtest.Raw(t, f.Document("1.0.0", counterPolicy())))
	require.NoError(t, err)

	p, ok := doc.Policy("counter")
	require.True(t, ok)
	assert.Equal(t, 2, p.Approval.Quorum.Threshold(len(p.Approval.Members)))
	assert.Equal(t, f.Keys("v1", "v2"), doc.MemberKeys(p.Validation.Members))
	assert.Len(t, doc.Participants(), 6)
	assert.True(t, doc.IsMember(f.Key("a2")))
	assert.False(t, doc.IsMember("ff"))
	assert.Equal(t, 30*time.Second, p.Stage(contracts.StageApproval).Timeout(30*time.Second))

	_, ok = doc.Schema("counter")
	assert.True(t, ok)
	_, ok = doc.Policy("missing")
	assert.False(t, ok)
}

func TestParseDocument_BareNumberQuorum(t *testing.T) {
	f := govtest.NewFixture(t, "owner", "a1")
	raw := json.RawMessage(`{
		"version": "1.0.0",
		"members": [{"id": "owner", "key": "` + f.Key("owner") + `"}, {"id": "a1", "key": "` + f.Key("a1") + `"}],
		"schemas": [],
		"policies": [{
			"id": "governance",
			"approval": {"quorum": 0.5, "members": ["owner", "a1"], "timeout_ms": 1500},
			"validation": {"quorum": {"kind": "count", "value": 1}, "members": ["owner"]}
		}]
	}`)
	doc, err := governance.ParseDocument(raw)
	require.NoError(t, err)
	p, _ := doc.Policy(contracts.GovernanceSchemaID)
	assert.Equal(t, quorum.Fraction(0.5), p.Approval.Quorum)
	assert.Equal(t, 1500*time.Millisecond, p.Approval.Timeout(time.Minute))
}

func TestParseDocument_Invalid(t *testing.T) {
	f := govtest.NewFixture(t, "owner", "a1", "a2", "a3", "v1", "v2")

	tests := []struct {
		name   string
		mutate func(d *governance.Document)
	}{
		{"bad version", func(d *governance.Document) { d.Version = "one" }},
		{"unknown stage member", func(d *governance.Document) {
			d.Policies[0].Approval.Members = append(d.Policies[0].Approval.Members, "ghost")
		}},
		{"count exceeds role", func(d *governance.Document) { d.Policies[0].Validation.Quorum = quorum.Count(3) }},
		{"duplicate member", func(d *governance.Document) { d.Members = append(d.Members, d.Members[0]) }},
		{"schema without policy", func(d *governance.Document) {
			d.Schemas = append(d.Schemas, governance.SchemaDef{ID: "orphan", Content: json.RawMessage(`{}`)})
		}},
		{"policy without schema", func(d *governance.Document) {
			p := counterPolicy()
			p.ID = "nothing"
			d.Policies = append(d.Policies, p)
		}},
		{"missing governance policy", func(d *governance.Document) { d.Policies = d.Policies[:1] }},
		{"bad key", func(d *governance.Document) { d.Members[1].Key = "XYZ" }},
		{"unknown invoker", func(d *governance.Document) {
			d.Policies[0].Invocation.Set = &governance.Permission{Allowance: true, Invokers: []string{"ghost"}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := f.Document("1.0.0", counterPolicy())
			tt.mutate(&doc)
			_, err := governance.ParseDocument(govtest.Raw(t, doc))
			assert.ErrorIs(t, err, governance.ErrInvalidDocument)
		})
	}
}

func TestParseDocument_RejectsUnknownFields(t *testing.T) {
	_, err := governance.ParseDocument(json.RawMessage(`{"version":"1.0.0","members":[],"schemas":[],"policies":[],"extra":1}`))
	assert.ErrorIs(t, err, governance.ErrInvalidDocument)
}

func TestAuthorize(t *testing.T) {
	f := govtest.NewFixture(t, "owner", "a1", "a2", "a3", "v1", "v2")
	owner := f.Key("owner")
	outsider := govtest.NewFixture(t, "outsider").Key("outsider")

	tests := []struct {
		name       string
		invocation governance.Invocation
		requester  string
		approval   bool
		wantErr    bool
	}{
		{"owner default", governance.Invocation{}, owner, true, false},
		{"owner without approval", governance.Invocation{Owner: &governance.Permission{Allowance: true}}, owner, false, false},
		{"owner forbidden", governance.Invocation{Owner: &governance.Permission{Allowance: false}}, owner, false, true},
		{"member in set", governance.Invocation{Set: &governance.Permission{Allowance: true, ApprovalRequired: true, Invokers: []string{"a1"}}}, f.Key("a1"), true, false},
		{"member not in set", governance.Invocation{Set: &governance.Permission{Allowance: true, Invokers: []string{"a1"}}}, f.Key("a2"), false, true},
		{"member via all", governance.Invocation{All: &governance.Permission{Allowance: true}}, f.Key("v1"), false, false},
		{"external denied by default", governance.Invocation{All: &governance.Permission{Allowance: true}}, outsider, false, true},
		{"external allowed", governance.Invocation{External: &governance.Permission{Allowance: true, ApprovalRequired: true}}, outsider, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := counterPolicy()
			p.Invocation = tt.invocation
			doc := f.Document("1.0.0", p)
			pol, _ := doc.Policy("counter")
			approval, err := doc.Authorize(pol, owner, tt.requester)
			if tt.wantErr {
				assert.ErrorIs(t, err, contracts.ErrEvaluationFailed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.approval, approval)
		})
	}
}

func TestCheckVersionIncrease(t *testing.T) {
	cur := &governance.Document{Version: "1.2.0"}
	assert.NoError(t, governance.CheckVersionIncrease(cur, &governance.Document{Version: "1.10.0"}))
	assert.ErrorIs(t, governance.CheckVersionIncrease(cur, &governance.Document{Version: "1.2.0"}), contracts.ErrEvaluationFailed)
	assert.ErrorIs(t, governance.CheckVersionIncrease(cur, &governance.Document{Version: "0.9.9"}), contracts.ErrEvaluationFailed)
	assert.ErrorIs(t, governance.CheckVersionIncrease(cur, &governance.Document{Version: "next"}), contracts.ErrEvaluationFailed)
}

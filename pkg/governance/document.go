// Package governance models governance documents and resolves which document
// governs a subject at a given sequence number.
package governance

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/Mindburn-Labs/covenant/pkg/contracts"
	"github.com/Mindburn-Labs/covenant/pkg/quorum"
	"github.com/Mindburn-Labs/covenant/pkg/schema"
)

//go:embed schema/governance.schema.json
var metaSchemaJSON []byte

// MetaSchema is the JSON Schema every governance document must satisfy.
var MetaSchema = schema.MustCompile("https://covenant.schemas.local/governance.schema.json", metaSchemaJSON)

// ErrInvalidDocument reports a governance document that fails validation.
var ErrInvalidDocument = errors.New("invalid governance document")

// Document is the content of a governance subject.
type Document struct {
	Version  string      `json:"version"`
	Members  []Member    `json:"members"`
	Schemas  []SchemaDef `json:"schemas"`
	Policies []Policy    `json:"policies"`
}

// Member binds a member id to its public key.
type Member struct {
	ID          string            `json:"id"`
	Key         string            `json:"key"`
	Description string            `json:"description,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
}

// SchemaDef is a named JSON Schema for subject state.
type SchemaDef struct {
	ID      string          `json:"id"`
	Content json.RawMessage `json:"content"`
}

// Policy governs subjects of one schema id (or the governance subject itself
// under the id "governance").
type Policy struct {
	ID         string      `json:"id"`
	Approval   StagePolicy `json:"approval"`
	Validation StagePolicy `json:"validation"`
	Invocation Invocation  `json:"invocation"`
	Rules      []string    `json:"rules,omitempty"`
}

// StagePolicy is the role and quorum of one voting stage.
type StagePolicy struct {
	Quorum    quorum.Formula `json:"quorum"`
	Members   []string       `json:"members"`
	TimeoutMs int64          `json:"timeout_ms,omitempty"`
}

// Timeout returns the stage timeout, or def when the policy leaves it unset.
func (s StagePolicy) Timeout(def time.Duration) time.Duration {
	if s.TimeoutMs <= 0 {
		return def
	}
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// ParseDocument decodes raw, checks it against MetaSchema and validates it.
func ParseDocument(raw json.RawMessage) (*Document, error) {
	if err := schema.ValidateDocument(MetaSchema, raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	var d Document
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	d.normalize()
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// normalize puts every member id reference in NFC form.
func (d *Document) normalize() {
	nfc := func(ids []string) {
		for i := range ids {
			ids[i] = contracts.NormalizeNamespace(ids[i])
		}
	}
	for i := range d.Members {
		d.Members[i].ID = contracts.NormalizeNamespace(d.Members[i].ID)
	}
	for i := range d.Policies {
		p := &d.Policies[i]
		nfc(p.Approval.Members)
		nfc(p.Validation.Members)
		if p.Invocation.Set != nil {
			nfc(p.Invocation.Set.Invokers)
		}
	}
}

// Validate checks referential integrity: unique ids, policy members that exist,
// quorum formulas that fit their roles, and a policy for every schema and for
// the governance subject.
func (d *Document) Validate() error {
	if _, err := semver.NewVersion(d.Version); err != nil {
		return fmt.Errorf("%w: version %q: %v", ErrInvalidDocument, d.Version, err)
	}

	ids := make(map[string]struct{}, len(d.Members))
	keys := make(map[string]struct{}, len(d.Members))
	for _, m := range d.Members {
		if _, dup := ids[m.ID]; dup {
			return fmt.Errorf("%w: duplicate member id %q", ErrInvalidDocument, m.ID)
		}
		if _, dup := keys[m.Key]; dup {
			return fmt.Errorf("%w: duplicate member key for %q", ErrInvalidDocument, m.ID)
		}
		if err := contracts.ValidateKey(m.Key); err != nil {
			return fmt.Errorf("%w: member %q: %v", ErrInvalidDocument, m.ID, err)
		}
		ids[m.ID] = struct{}{}
		keys[m.Key] = struct{}{}
	}

	schemas := make(map[string]struct{}, len(d.Schemas))
	for _, s := range d.Schemas {
		if _, dup := schemas[s.ID]; dup {
			return fmt.Errorf("%w: duplicate schema id %q", ErrInvalidDocument, s.ID)
		}
		schemas[s.ID] = struct{}{}
	}

	policies := make(map[string]struct{}, len(d.Policies))
	for _, p := range d.Policies {
		if _, dup := policies[p.ID]; dup {
			return fmt.Errorf("%w: duplicate policy %q", ErrInvalidDocument, p.ID)
		}
		policies[p.ID] = struct{}{}
		if _, ok := schemas[p.ID]; !ok && p.ID != contracts.GovernanceSchemaID {
			return fmt.Errorf("%w: policy %q has no schema", ErrInvalidDocument, p.ID)
		}
		for _, stage := range []struct {
			name string
			sp   StagePolicy
		}{{"approval", p.Approval}, {"validation", p.Validation}} {
			for _, id := range stage.sp.Members {
				if _, ok := ids[id]; !ok {
					return fmt.Errorf("%w: policy %q %s member %q is unknown", ErrInvalidDocument, p.ID, stage.name, id)
				}
			}
			if err := stage.sp.Quorum.Validate(len(stage.sp.Members)); err != nil {
				return fmt.Errorf("%w: policy %q %s quorum: %v", ErrInvalidDocument, p.ID, stage.name, err)
			}
		}
		if set := p.Invocation.Set; set != nil {
			for _, id := range set.Invokers {
				if _, ok := ids[id]; !ok {
					return fmt.Errorf("%w: policy %q invoker %q is unknown", ErrInvalidDocument, p.ID, id)
				}
			}
		}
	}
	for id := range schemas {
		if _, ok := policies[id]; !ok {
			return fmt.Errorf("%w: schema %q has no policy", ErrInvalidDocument, id)
		}
	}
	if _, ok := policies[contracts.GovernanceSchemaID]; !ok {
		return fmt.Errorf("%w: missing %q policy", ErrInvalidDocument, contracts.GovernanceSchemaID)
	}
	return nil
}

// Policy returns the policy for schemaID.
func (d *Document) Policy(schemaID string) (*Policy, bool) {
	for i := range d.Policies {
		if d.Policies[i].ID == schemaID {
			return &d.Policies[i], true
		}
	}
	return nil, false
}

// Schema returns the JSON Schema content for schemaID.
func (d *Document) Schema(schemaID string) (json.RawMessage, bool) {
	for _, s := range d.Schemas {
		if s.ID == schemaID {
			return s.Content, true
		}
	}
	return nil, false
}

// Member returns the member with the given id.
func (d *Document) Member(id string) (*Member, bool) {
	for i := range d.Members {
		if d.Members[i].ID == id {
			return &d.Members[i], true
		}
	}
	return nil, false
}

// MemberByKey returns the member bound to key.
func (d *Document) MemberByKey(key string) (*Member, bool) {
	for i := range d.Members {
		if d.Members[i].Key == key {
			return &d.Members[i], true
		}
	}
	return nil, false
}

// IsMember reports whether key belongs to a member.
func (d *Document) IsMember(key string) bool {
	_, ok := d.MemberByKey(key)
	return ok
}

// MemberKeys maps member ids to keys, skipping unknown ids.
func (d *Document) MemberKeys(ids []string) []string {
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		if m, ok := d.Member(id); ok {
			keys = append(keys, m.Key)
		}
	}
	return keys
}

// Participants returns every member key; commits are broadcast to them.
func (d *Document) Participants() []string {
	keys := make([]string, len(d.Members))
	for i, m := range d.Members {
		keys[i] = m.Key
	}
	return keys
}

// Stage returns the stage policy for stage.
func (p *Policy) Stage(stage contracts.Stage) StagePolicy {
	if stage == contracts.StageApproval {
		return p.Approval
	}
	return p.Validation
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/capbroker/lib/binhash"
	"github.com/bureau-foundation/capbroker/lib/glob"
)

// Transport names accepted in rules.
const (
	TransportUnix = "unix"
	TransportTCP  = "tcp"
)

// Rule is one allow-list entry.
type Rule struct {
	Name         string   `yaml:"name" json:"name"`
	UIDs         []uint32 `yaml:"uids,omitempty" json:"uids,omitempty"`
	Subjects     []string `yaml:"subjects,omitempty" json:"subjects,omitempty"`
	SPIFFEIDs    []string `yaml:"spiffe_ids,omitempty" json:"spiffe_ids,omitempty"`
	TrustDomains []string `yaml:"trust_domains,omitempty" json:"trust_domains,omitempty"`
	Transports   []string `yaml:"transports,omitempty" json:"transports,omitempty"`
	Operations   []string `yaml:"operations" json:"operations"`
}

// Caller is the view of an authenticated identity that rules match
// against.
type Caller struct {
	Transport string

	// HasPeer is set when UID came from kernel peer credentials.
	HasPeer bool
	UID     uint32

	// Subject is the verified token subject, empty without a token.
	Subject string

	// SPIFFEID is the zero ID without a verified certificate.
	SPIFFEID spiffeid.ID
}

// Matches reports whether caller satisfies every criterion r sets.
func (r *Rule) Matches(caller Caller) bool {
	if len(r.Transports) > 0 && !slices.Contains(r.Transports, caller.Transport) {
		return false
	}
	if len(r.UIDs) > 0 && (!caller.HasPeer || !slices.Contains(r.UIDs, caller.UID)) {
		return false
	}
	if len(r.Subjects) > 0 && (caller.Subject == "" || !glob.MatchAny(r.Subjects, caller.Subject, glob.Subject)) {
		return false
	}
	if len(r.SPIFFEIDs) > 0 && (caller.SPIFFEID.IsZero() || !slices.Contains(r.SPIFFEIDs, caller.SPIFFEID.String())) {
		return false
	}
	if len(r.TrustDomains) > 0 {
		if caller.SPIFFEID.IsZero() || !slices.Contains(r.TrustDomains, caller.SPIFFEID.TrustDomain().Name()) {
			return false
		}
	}
	return true
}

// Allows reports whether operation matches one of r's patterns.
func (r *Rule) Allows(operation string) bool {
	return glob.MatchAny(r.Operations, operation, glob.Operation)
}

func (r *Rule) validate() error {
	var errs []error
	if len(r.UIDs) == 0 && len(r.Subjects) == 0 && len(r.SPIFFEIDs) == 0 && len(r.TrustDomains) == 0 {
		errs = append(errs, errors.New("no identifying criterion (uids, subjects, spiffe_ids, trust_domains)"))
	}
	if len(r.Operations) == 0 {
		errs = append(errs, errors.New("no operations"))
	}
	for _, pattern := range r.Operations {
		if !glob.Valid(pattern, glob.Operation) {
			errs = append(errs, fmt.Errorf("malformed operation pattern %q", pattern))
		}
	}
	for _, pattern := range r.Subjects {
		if !glob.Valid(pattern, glob.Subject) {
			errs = append(errs, fmt.Errorf("malformed subject pattern %q", pattern))
		}
	}
	for _, id := range r.SPIFFEIDs {
		if _, err := spiffeid.FromString(id); err != nil {
			errs = append(errs, fmt.Errorf("spiffe_ids: %w", err))
		}
	}
	for _, name := range r.TrustDomains {
		if _, err := spiffeid.TrustDomainFromString(name); err != nil {
			errs = append(errs, fmt.Errorf("trust_domains: %w", err))
		}
	}
	for _, transport := range r.Transports {
		if transport != TransportUnix && transport != TransportTCP {
			errs = append(errs, fmt.Errorf("unknown transport %q", transport))
		}
	}
	return errors.Join(errs...)
}

// Policy is an immutable, validated rule list. Safe for concurrent use.
type Policy struct {
	rules  []Rule
	digest binhash.Digest
}

type document struct {
	Rules []Rule `yaml:"rules" json:"rules"`
}

// New validates rules and returns a Policy holding a copy of them.
func New(rules []Rule) (*Policy, error) {
	// Every rule is checked and all problems are reported together,
	// so an operator fixes a policy in one pass.
	var errs []error
	copied := make([]Rule, len(rules))
	for i, rule := range rules {
		if err := rule.validate(); err != nil {
			label := rule.Name
			if label == "" {
				label = fmt.Sprintf("#%d", i)
			}
			errs = append(errs, fmt.Errorf("rule %s: %w", label, err))
		}
		copied[i] = Rule{
			Name:         rule.Name,
			UIDs:         slices.Clone(rule.UIDs),
			Subjects:     slices.Clone(rule.Subjects),
			SPIFFEIDs:    slices.Clone(rule.SPIFFEIDs),
			TrustDomains: slices.Clone(rule.TrustDomains),
			Transports:   slices.Clone(rule.Transports),
			Operations:   slices.Clone(rule.Operations),
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}
	return &Policy{rules: copied}, nil
}

// Parse decodes a policy document. format is "yaml" or "jsonc".
func Parse(data []byte, format string) (*Policy, error) {
	var doc document
	switch format {
	case "jsonc":
		decoder := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
		// A misspelled matcher ("uid" for "uids") would otherwise be
		// dropped, leaving a rule that matches more callers than its
		// author meant.
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&doc); err != nil {
			return nil, fmt.Errorf("policy: parsing JSONC: %w", err)
		}
	case "yaml":
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(&doc); err != nil {
			return nil, fmt.Errorf("policy: parsing YAML: %w", err)
		}
	default:
		return nil, fmt.Errorf("policy: unknown format %q", format)
	}
	parsed, err := New(doc.Rules)
	if err != nil {
		return nil, err
	}
	// The digest covers the document as written, comments included,
	// so it matches a hash of the file on disk.
	parsed.digest = binhash.Sum(data)
	return parsed, nil
}

// Load reads a policy file, choosing the format by extension.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}
	format := "yaml"
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		format = "jsonc"
	}
	result, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return result, nil
}

// Match returns the first rule matching caller.
func (p *Policy) Match(caller Caller) (Rule, bool) {
	for _, rule := range p.rules {
		if rule.Matches(caller) {
			return rule, true
		}
	}
	return Rule{}, false
}

// Authorize reports whether any rule matches caller.
func (p *Policy) Authorize(caller Caller) bool {
	_, matched := p.Match(caller)
	return matched
}

// Digest fingerprints the document the policy was parsed from. It is
// zero for a policy built with New.
func (p *Policy) Digest() binhash.Digest {
	return p.digest
}

// RuleNames returns the rule names in evaluation order.
func (p *Policy) RuleNames() []string {
	names := make([]string, len(p.rules))
	for i, rule := range p.rules {
		names[i] = rule.Name
	}
	return names
}

// Len returns the number of rules.
func (p *Policy) Len() int {
	return len(p.rules)
}

package scoreboard

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// Overrides is the team-override configuration. Two namespaces:
// title_school_overrides maps a normalized title variant to its canonical
// token; outcome_team_overrides maps a multi-word substring of an outcome
// name to a canonical token, applied longest-first with word boundaries.
type Overrides struct {
	TitleSchool map[string]string `json:"title_school_overrides"`
	OutcomeTeam map[string]string `json:"outcome_team_overrides"`

	outcomeKeys []string // valid keys, longest first
}

// LoadOverrides reads the override file. A missing path yields empty
// overrides; a present but malformed file is an error.
func LoadOverrides(path string) (*Overrides, error) {
	o := &Overrides{
		TitleSchool: map[string]string{},
		OutcomeTeam: map[string]string{},
	}
	if path == "" {
		return o, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return o, nil
		}
		return nil, fmt.Errorf("read overrides: %w", err)
	}
	if err := json.Unmarshal(data, o); err != nil {
		return nil, fmt.Errorf("unmarshal overrides: %w", err)
	}
	o.compile()
	return o, nil
}

// compile normalizes keys and orders outcome keys longest-first. Outcome
// keys with fewer than two words are discarded: single words over-match.
func (o *Overrides) compile() {
	titles := make(map[string]string, len(o.TitleSchool))
	for k, v := range o.TitleSchool {
		titles[Normalize(k)] = Normalize(v)
	}
	o.TitleSchool = titles

	outcomes := make(map[string]string, len(o.OutcomeTeam))
	o.outcomeKeys = o.outcomeKeys[:0]
	for k, v := range o.OutcomeTeam {
		nk := Normalize(k)
		if len(strings.Fields(nk)) < 2 {
			continue
		}
		outcomes[nk] = Normalize(v)
		o.outcomeKeys = append(o.outcomeKeys, nk)
	}
	o.OutcomeTeam = outcomes
	sort.Slice(o.outcomeKeys, func(i, j int) bool {
		if len(o.outcomeKeys[i]) != len(o.outcomeKeys[j]) {
			return len(o.outcomeKeys[i]) > len(o.outcomeKeys[j])
		}
		return o.outcomeKeys[i] < o.outcomeKeys[j]
	})
}

// CanonicalTitle maps a normalized title team through the school overrides.
func (o *Overrides) CanonicalTitle(team string) string {
	if canonical, ok := o.TitleSchool[team]; ok {
		return canonical
	}
	return team
}

// CanonicalOutcome rewrites an outcome name through the first matching
// outcome override, longest key first, on word boundaries.
func (o *Overrides) CanonicalOutcome(name string) string {
	normName := Normalize(name)
	padded := " " + normName + " "
	for _, key := range o.outcomeKeys {
		if strings.Contains(padded, " "+key+" ") {
			return o.OutcomeTeam[key]
		}
	}
	return normName
}

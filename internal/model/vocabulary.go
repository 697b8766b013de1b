package model

import (
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Vocabulary is the set of nouns used to describe the entities being judged.
type Vocabulary struct {
	Singular        string `yaml:"singular" mapstructure:"singular"`
	Plural          string `yaml:"plural" mapstructure:"plural"`
	Context         string `yaml:"context" mapstructure:"context"`
	Person          string `yaml:"person" mapstructure:"person"`
	EntityHeader    string `yaml:"entity_header" mapstructure:"entity_header"`
	DescriptionTerm string `yaml:"description_term" mapstructure:"description_term"`
	EntityIntro     string `yaml:"entity_intro" mapstructure:"entity_intro"`
}

// ErrUnknownDomain is returned when no vocabulary is registered for a domain.
var ErrUnknownDomain = eris.New("model: unknown domain")

var builtinVocabularies = map[string]Vocabulary{
	"city": {
		Singular:        "city",
		Plural:          "cities",
		Context:         "travel destination",
		Person:          "traveler",
		EntityHeader:    "City",
		DescriptionTerm: "City Description",
		EntityIntro:     "City Info",
	},
	"restaurant": {
		Singular:        "restaurant",
		Plural:          "restaurants",
		Context:         "dining option",
		Person:          "diner",
		EntityHeader:    "Restaurant",
		DescriptionTerm: "Restaurant Description",
		EntityIntro:     "Restaurant Info",
	},
	"hotel": {
		Singular:        "hotel",
		Plural:          "hotels",
		Context:         "accommodation",
		Person:          "guest",
		EntityHeader:    "Hotel",
		DescriptionTerm: "Hotel Description",
		EntityIntro:     "Hotel Info",
	},
}

// BuiltinDomains lists the domains with a predefined vocabulary.
func BuiltinDomains() []string {
	out := make([]string, 0, len(builtinVocabularies))
	for k := range builtinVocabularies {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// LookupVocabulary resolves the vocabulary for domain. Custom entries take
// precedence over built-ins and are completed with derived defaults.
func LookupVocabulary(domain string, custom map[string]Vocabulary) (Vocabulary, error) {
	key := strings.ToLower(strings.TrimSpace(domain))
	if v, ok := custom[key]; ok {
		return v.withDefaults()
	}
	if v, ok := builtinVocabularies[key]; ok {
		return v, nil
	}
	return Vocabulary{}, eris.Wrapf(ErrUnknownDomain, "domain %q (built-in: %s)", domain, strings.Join(BuiltinDomains(), ", "))
}

func (v Vocabulary) withDefaults() (Vocabulary, error) {
	if strings.TrimSpace(v.Singular) == "" {
		return v, eris.New("model: vocabulary requires a singular noun")
	}
	title := cases.Title(language.English)
	if v.Plural == "" {
		v.Plural = v.Singular + "s"
	}
	if v.Context == "" {
		v.Context = v.Singular
	}
	if v.Person == "" {
		v.Person = "user"
	}
	if v.EntityHeader == "" {
		v.EntityHeader = title.String(v.Singular)
	}
	if v.DescriptionTerm == "" {
		v.DescriptionTerm = v.EntityHeader + " Description"
	}
	if v.EntityIntro == "" {
		v.EntityIntro = v.EntityHeader + " Info"
	}
	return v, nil
}

package retrieval

// Lexicon holds the hand-authored tables that steer KG retrieval.
type Lexicon struct {
	// Synonyms maps a canonical lowercase name to its known variants.
	Synonyms map[string][]string `json:"synonyms" yaml:"synonyms"`
	// Expansion maps a query word (or phrase) to extra search terms.
	Expansion map[string][]string `json:"expansion" yaml:"expansion"`
	// PriorityRelations are listed before all other relationships.
	PriorityRelations []string `json:"priority_relations" yaml:"priority_relations"`
}

// DefaultLexicon returns the tables tuned for Indian IPO prospectuses.
func DefaultLexicon() Lexicon {
	return Lexicon{
		Synonyms: map[string][]string{
			"pb fintech":     {"policybazaar fintech", "pb fintech limited", "policybazaar fintech limited", "etechaces"},
			"policybazaar":   {"policy bazaar", "pb", "policybazaar insurance"},
			"paisabazaar":    {"paisa bazaar", "paisabazaar marketing"},
			"yashish dahiya": {"yashish", "dahiya", "mr. yashish dahiya", "mr yashish dahiya"},
			"alok bansal":    {"alok", "bansal", "mr. alok bansal", "mr alok bansal"},
			"svf python":     {"svf python ii", "svf python ii (cayman)", "softbank", "svf"},
		},
		Expansion: map[string][]string{
			"owner":      {"promoter", "founder", "shareholder", "stakeholder"},
			"selling":    {"offer for sale", "ofs", "selling shareholder"},
			"office":     {"registered office", "corporate office", "address", "location", "headquarters"},
			"subsidiary": {"subsidiaries", "group company", "owned company", "child company"},
			"revenue":    {"total revenue", "income", "sales", "turnover"},
			"loss":       {"restated loss", "net loss", "loss for the year", "deficit"},
			"profit":     {"net profit", "earnings", "income"},
		},
		PriorityRelations: []string{
			"IS_CEO_OF", "HAS_CEO", "IS_PROMOTER_OF", "HAS_PROMOTER",
			"IS_CHAIRMAN_OF", "IS_DIRECTOR_OF", "IS_FOUNDER_OF",
			"OWNS_STAKE", "HAS_SHAREHOLDER", "HAS_MAJOR_SHAREHOLDER",
			"IS_PARENT_OF", "IS_SUBSIDIARY_OF", "IS_MD_OF", "HAS_MD",
			"IS_SELLING_SHAREHOLDER_OF", "HAS_SELLING_SHAREHOLDER", "OFFERS_FOR_SALE",
			"HAS_REGISTERED_OFFICE", "LOCATED_AT", "HAS_ADDRESS",
			"HAS_SUBSIDIARY", "OWNS",
		},
	}
}

// withDefaults fills any empty table from DefaultLexicon.
func (l Lexicon) withDefaults() Lexicon {
	d := DefaultLexicon()
	if l.Synonyms == nil {
		l.Synonyms = d.Synonyms
	}
	if l.Expansion == nil {
		l.Expansion = d.Expansion
	}
	if len(l.PriorityRelations) == 0 {
		l.PriorityRelations = d.PriorityRelations
	}
	return l
}

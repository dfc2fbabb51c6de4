package graph

// Entity type constants used during extraction and storage.
const (
	EntityPerson          = "PERSON"
	EntityCompany         = "COMPANY"
	EntityOrganization    = "ORGANIZATION"
	EntityRegulator       = "REGULATOR"
	EntityExchange        = "EXCHANGE"
	EntityAuditor         = "AUDITOR"
	EntityRegistrar       = "REGISTRAR"
	EntitySecurity        = "SECURITY"
	EntityProduct         = "PRODUCT"
	EntityLocation        = "LOCATION"
	EntityCountry         = "COUNTRY"
	EntityShareholder     = "SHAREHOLDER"
	EntityFinancialMetric = "FINANCIAL_METRIC"
	EntityUnknown         = "UNKNOWN"
)

// Relation type constants referenced by retrieval.
const (
	RelCEOOf         = "IS_CEO_OF"
	RelPromoterOf    = "IS_PROMOTER_OF"
	RelFounderOf     = "IS_FOUNDER_OF"
	RelSubsidiaryOf  = "IS_SUBSIDIARY_OF"
	RelHasSubsidiary = "HAS_SUBSIDIARY"
	RelOwnsStake     = "OWNS_STAKE"
	RelRelatedTo     = "RELATED_TO"
)

// Entity is a single extracted or canonical entity.
type Entity struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	Attributes map[string]any `json:"attributes"`
	Confidence float64        `json:"confidence,omitempty"`
}

// Relationship is an entity-to-entity edge as returned by extraction.
type Relationship struct {
	SourceID   string         `json:"source_id"`
	TargetID   string         `json:"target_id"`
	Type       string         `json:"type"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Claim is a subject-predicate-object fact. ObjectID is set only when the
// object resolved to an entity; ObjectValue keeps the literal object text.
type Claim struct {
	SubjectID     string `json:"subject_id"`
	Predicate     string `json:"predicate"`
	ObjectID      string `json:"object_id,omitempty"`
	ObjectValue   string `json:"object_value,omitempty"`
	SourceChunkID string `json:"source_chunk_id,omitempty"`
}

// Definition is a defined term found in the text.
type Definition struct {
	Term       string `json:"term"`
	Definition string `json:"definition"`
}

// Event is a dated happening such as an incorporation or allotment.
type Event struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Date        string `json:"date,omitempty"`
}

// Extraction holds the structured output for one chunk. Error is non-empty
// when the unit failed; the remaining fields are then empty.
type Extraction struct {
	ChunkID       string         `json:"chunk_id"`
	Entities      []Entity       `json:"entities"`
	Relationships []Relationship `json:"relationships"`
	Claims        []Claim        `json:"claims"`
	Definitions   []Definition   `json:"definitions"`
	Events        []Event        `json:"events"`
	Error         string         `json:"error,omitempty"`
}

// ResolvedEntity is an extracted entity annotated with its canonical id.
type ResolvedEntity struct {
	Entity
	CanonicalID string `json:"canonical_id"`
}

// ResolvedRelationship carries canonical endpoints plus the ids as extracted.
type ResolvedRelationship struct {
	Relationship
	OriginalSourceID string `json:"original_source_id"`
	OriginalTargetID string `json:"original_target_id"`
}

// ResolvedExtraction is an Extraction rewritten onto canonical entity ids.
type ResolvedExtraction struct {
	ChunkID       string                 `json:"chunk_id"`
	Entities      []ResolvedEntity       `json:"entities"`
	Relationships []ResolvedRelationship `json:"relationships"`
	Claims        []Claim                `json:"claims"`
	Definitions   []Definition           `json:"definitions"`
	Events        []Event                `json:"events"`
}

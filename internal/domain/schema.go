package domain

type FieldType string

const (
	FieldInt       FieldType = "int"
	FieldDecimal   FieldType = "decimal"
	FieldString    FieldType = "str"
	FieldDatetime  FieldType = "datetime"
	FieldTimestamp FieldType = "timestamp"
	FieldDuration  FieldType = "seconds"
	FieldEnum      FieldType = "enum"
	FieldCoinName  FieldType = "coin_name"
)

func (t FieldType) Valid() bool {
	switch t {
	case FieldInt, FieldDecimal, FieldString, FieldDatetime, FieldTimestamp, FieldDuration, FieldEnum, FieldCoinName:
		return true
	}
	return false
}

// FieldSpec describes one payload field. Fields are required unless Optional
// is set. Constraint is an optional CEL expression over `value` and `payload`
// that must hold after coercion.
type FieldSpec struct {
	Type        FieldType   `bson:"type" json:"type"`
	Optional    bool        `bson:"optional,omitempty" json:"optional,omitempty"`
	Default     interface{} `bson:"default,omitempty" json:"default,omitempty"`
	Enum        []string    `bson:"enum,omitempty" json:"enum,omitempty"`
	Timezone    string      `bson:"timezone,omitempty" json:"timezone,omitempty"`
	Constraint  string      `bson:"constraint,omitempty" json:"constraint,omitempty"`
	Description string      `bson:"desc,omitempty" json:"desc,omitempty"`
	Unit        string      `bson:"unit,omitempty" json:"unit,omitempty"`
}

type PayloadSchema map[string]FieldSpec

package models

import (
	"fmt"
	"strconv"
	"time"
)

// SequenceNumber is the ledger's logical clock. It is assigned by the store on insert
// and is the only authoritative happened-before relation between entries of a table.
type SequenceNumber int64

// NoSequence marks "no restore floor": replay starts from the original upload.
const NoSequence SequenceNumber = 0

// Before reports whether s happened before other.
func (s SequenceNumber) Before(other SequenceNumber) bool {
	return s < other
}

// String renders the sequence number as its decimal form, which is also the
// physical name of a backup table.
func (s SequenceNumber) String() string {
	return strconv.FormatInt(int64(s), 10)
}

// TransformationType is the persisted integer code of a history entry.
type TransformationType int

const (
	TypeBackup                TransformationType = -1
	TypeCopyTable             TransformationType = 0
	TypeConvertType           TransformationType = 1
	TypeDeleteAttribute       TransformationType = 2
	TypeDeleteOutliers        TransformationType = 3
	TypeDiscretizeCustom      TransformationType = 4
	TypeDiscretizeEqualFreq   TransformationType = 5
	TypeDiscretizeEqualWidth  TransformationType = 6
	TypeExtractDatePart       TransformationType = 7
	TypeFindReplace           TransformationType = 8
	TypeRegexReplace          TransformationType = 9
	TypeFillNullCustom        TransformationType = 10
	TypeFillNullMean          TransformationType = 11
	TypeFillNullMedian        TransformationType = 12
	TypeZScore                TransformationType = 13
	TypeOneHot                TransformationType = 14
	TypeDeleteRows            TransformationType = 15
	TypeRawQuery              TransformationType = 16
	TypeRenameAttribute       TransformationType = 17
	TypeDeduplicate           TransformationType = 18
	TypeForceConvertType      TransformationType = 19
	maxTransformationType                        = TypeForceConvertType
)

var transformationTypeNames = map[TransformationType]string{
	TypeBackup:               "backup",
	TypeCopyTable:            "copy_table",
	TypeConvertType:          "convert_type",
	TypeDeleteAttribute:      "delete_attribute",
	TypeDeleteOutliers:       "delete_outliers",
	TypeDiscretizeCustom:     "discretize_custom",
	TypeDiscretizeEqualFreq:  "discretize_equal_frequency",
	TypeDiscretizeEqualWidth: "discretize_equal_width",
	TypeExtractDatePart:      "extract_date_part",
	TypeFindReplace:          "find_replace",
	TypeRegexReplace:         "regex_replace",
	TypeFillNullCustom:       "fill_null_custom",
	TypeFillNullMean:         "fill_null_mean",
	TypeFillNullMedian:       "fill_null_median",
	TypeZScore:               "zscore",
	TypeOneHot:               "one_hot",
	TypeDeleteRows:           "delete_rows",
	TypeRawQuery:             "raw_query",
	TypeRenameAttribute:      "rename_attribute",
	TypeDeduplicate:          "deduplicate",
	TypeForceConvertType:     "force_convert_type",
}

// String returns the stable name of the type, used in metrics labels and API payloads.
func (t TransformationType) String() string {
	if name, ok := transformationTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(t))
}

// Valid reports whether t is a known code, including the backup marker.
func (t TransformationType) Valid() bool {
	return t >= TypeBackup && t <= maxTransformationType
}

// IsBackup reports whether t marks a backup snapshot rather than a transformation.
func (t TransformationType) IsBackup() bool {
	return t == TypeBackup
}

// Replayable reports whether entries of this type can be redone during undo.
// Creation entries and backup markers never are.
func (t TransformationType) Replayable() bool {
	return t > TypeCopyTable && t <= maxTransformationType
}

const (
	// HeavyWeight is charged for operations that rewrite most of a table.
	HeavyWeight = 10
	// LightWeight is charged for everything else.
	LightWeight = 3
)

// Weight is the edit-distance cost of a single transformation of this type.
func (t TransformationType) Weight() int {
	switch t {
	case TypeCopyTable, TypeDiscretizeCustom, TypeDiscretizeEqualFreq, TypeDiscretizeEqualWidth,
		TypeZScore, TypeOneHot, TypeRawQuery:
		return HeavyWeight
	default:
		return LightWeight
	}
}

// ParseTransformationType resolves a name or a decimal code.
func ParseTransformationType(s string) (TransformationType, error) {
	for t, name := range transformationTypeNames {
		if name == s {
			return t, nil
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("unknown transformation type %q", s)
	}
	t := TransformationType(n)
	if !t.Valid() {
		return 0, fmt.Errorf("unknown transformation type %d", n)
	}
	return t, nil
}

// EditDistance sums the weights of the given types.
func EditDistance(types []TransformationType) int {
	total := 0
	for _, t := range types {
		total += t.Weight()
	}
	return total
}

// HistoryEntry is one row of the transformation ledger.
// For backup markers, TableName holds the backup's physical name and
// OriginTable the table it snapshots.
type HistoryEntry struct {
	ID                 SequenceNumber     `json:"transformation_id"`
	SetID              int64              `json:"setid"`
	TableName          string             `json:"table_name"`
	OriginTable        string             `json:"origin_table"`
	Attribute          string             `json:"attribute"`
	TransformationType TransformationType `json:"transformation_type"`
	Parameters         []string           `json:"parameters"`
	TransformationDate time.Time          `json:"transformation_date"`
}

// InPlace reports whether the entry modified the table it names,
// as opposed to producing a differently-named copy.
func (e *HistoryEntry) InPlace() bool {
	return e.TableName == e.OriginTable
}

// EntryTypes extracts the transformation types in order.
func EntryTypes(entries []*HistoryEntry) []TransformationType {
	types := make([]TransformationType, len(entries))
	for i, e := range entries {
		types[i] = e.TransformationType
	}
	return types
}

// HistoryOrder selects the rendering direction of the ledger.
type HistoryOrder string

const (
	HistoryOrderAsc  HistoryOrder = "asc"
	HistoryOrderDesc HistoryOrder = "desc"
)

// HistoryFilters scopes a history listing.
type HistoryFilters struct {
	// Table restricts the listing to entries whose table or origin matches. Empty lists the whole dataset.
	Table          string
	IncludeBackups bool
	Order          HistoryOrder
	Offset         int
	Limit          int
}

// RenderedHistoryEntry is a ledger entry with its human-readable description.
type RenderedHistoryEntry struct {
	ID                 SequenceNumber `json:"transformation_id"`
	TableName          string         `json:"table_name"`
	OriginTable        string         `json:"origin_table"`
	Attribute          string         `json:"attribute,omitempty"`
	Type               string         `json:"type"`
	Description        string         `json:"description"`
	TransformationDate time.Time      `json:"transformation_date"`
}

// HistoryPage is one page of rendered history.
type HistoryPage struct {
	Entries []RenderedHistoryEntry `json:"entries"`
	Total   int                    `json:"total"`
	Offset  int                    `json:"offset"`
	Limit   int                    `json:"limit"`
}

package ifc

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func extractFixture(t *testing.T) *Document {
	model, err := ReadModel(strings.NewReader(wallFixture), ExtractionTypes)
	assert.NoError(t, err)
	return ExtractProperties(model)
}

func TestExtractPropertiesElements(t *testing.T) {
	doc := extractFixture(t)

	assert.Equal(t, PropertiesSchemaVersion, doc.SchemaVersion)
	assert.WithinDuration(t, time.Now(), doc.ExtractedAt, time.Minute)
	assert.Equal(t, 2, doc.TotalElements)
	assert.Len(t, doc.Elements, 2)

	// Elements come out ordered by entity label.
	wall := doc.Elements[0]
	assert.Equal(t, int64(10), wall.EntityLabel)
	assert.Equal(t, "3vB2YO$MX4xv5uCqZZG05x", wall.GlobalId)
	assert.Equal(t, "IFCWALLSTANDARDCASE", wall.TypeName)
	assert.Equal(t, "Basement Wall", wall.Name)
	assert.Equal(t, "South face", wall.Description)
	assert.Equal(t, "Basic Wall:200mm", wall.ObjectType)
	assert.Equal(t, "200mm Concrete", wall.TypeObjectName)
	assert.Equal(t, "200MM-CONC", wall.TypeObjectType)

	door := doc.Elements[1]
	assert.Equal(t, int64(11), door.EntityLabel)
	assert.Equal(t, "Client's Door", door.Name)
	assert.Empty(t, door.PropertySets)
	assert.Empty(t, door.QuantitySets)
	assert.Empty(t, door.TypePropertySets)
}

func TestExtractPropertySets(t *testing.T) {
	wall := extractFixture(t).Elements[0]

	assert.Len(t, wall.PropertySets, 2)

	common := wall.PropertySets[0]
	assert.Equal(t, "Pset_WallCommon", common.Name)
	assert.Equal(t, "2iJ9Z3cSnEJuBPZdtlBIaV", common.GlobalId)
	assert.False(t, common.IsTypeProperty)
	assert.Len(t, common.Properties, 3)

	fireRating := common.Properties[0]
	assert.Equal(t, "FireRating", fireRating.Name)
	assert.Equal(t, "REI120", fireRating.Value)
	assert.Equal(t, ValueString, fireRating.ValueType)
	assert.Empty(t, fireRating.Unit)

	isExternal := common.Properties[1]
	assert.Equal(t, true, isExternal.Value)
	assert.Equal(t, ValueBoolean, isExternal.ValueType)

	width := common.Properties[2]
	assert.Equal(t, 200.0, width.Value)
	assert.Equal(t, ValueDouble, width.ValueType)
	assert.Equal(t, "m", width.Unit)

	custom := wall.PropertySets[1]
	assert.Equal(t, "Pset_Custom", custom.Name)

	acoustic := custom.Properties[0]
	assert.Equal(t, ValueEnumeration, acoustic.ValueType)
	assert.Equal(t, []interface{}{"R1", "R2"}, acoustic.Value)

	operating := custom.Properties[1]
	assert.Equal(t, ValueRange, operating.ValueType)
	bounds, ok := operating.Value.(map[string]interface{})
	assert.True(t, ok)
	assert.Equal(t, 2.0, bounds["lowerBound"])
	assert.Equal(t, 10.0, bounds["upperBound"])

	segments := custom.Properties[2]
	assert.Equal(t, ValueList, segments.ValueType)
	assert.Equal(t, []interface{}{int64(1), int64(2), int64(3)}, segments.Value)
}

func TestExtractQuantitySets(t *testing.T) {
	wall := extractFixture(t).Elements[0]

	assert.Len(t, wall.QuantitySets, 1)
	qset := wall.QuantitySets[0]
	assert.Equal(t, "Qto_WallBaseQuantities", qset.Name)
	assert.Len(t, qset.Quantities, 4)

	length := qset.Quantities[0]
	assert.Equal(t, "Length", length.Name)
	assert.Equal(t, 12.5, length.Value)
	assert.Equal(t, ValueDouble, length.ValueType)
	assert.Equal(t, "m", length.Unit)

	assert.Equal(t, "m2", qset.Quantities[1].Unit)
	assert.Equal(t, "m3", qset.Quantities[2].Unit)

	count := qset.Quantities[3]
	assert.Equal(t, "OpeningCount", count.Name)
	assert.Equal(t, int64(2), count.Value)
	assert.Equal(t, ValueInteger, count.ValueType)
	assert.Empty(t, count.Unit)
}

func TestExtractTypePropertySets(t *testing.T) {
	wall := extractFixture(t).Elements[0]

	assert.Len(t, wall.TypePropertySets, 1)
	pset := wall.TypePropertySets[0]
	assert.Equal(t, "Pset_WallTypeCommon", pset.Name)
	assert.True(t, pset.IsTypeProperty)
	assert.Len(t, pset.Properties, 1)
	assert.Equal(t, "LoadBearing", pset.Properties[0].Name)
	assert.Equal(t, false, pset.Properties[0].Value)
	assert.Equal(t, ValueBoolean, pset.Properties[0].ValueType)
}

func TestExtractSkipsElementWithoutGlobalId(t *testing.T) {
	const broken = `ISO-10303-21;
DATA;
#10=IFCWALL($,$,'NoGuid',$,$,$,$,'W');
#11=IFCDOOR('1hOSvn6df7F8_7GcBWlR72',$,'Door',$,$,$,$,'D',2.,1.);
ENDSEC;
END-ISO-10303-21;
`
	model, err := ReadModel(strings.NewReader(broken), ExtractionTypes)
	assert.NoError(t, err)

	doc := ExtractProperties(model)
	assert.Equal(t, 1, doc.TotalElements)
	assert.Equal(t, int64(11), doc.Elements[0].EntityLabel)
}

func TestPropertiesDocumentJsonShape(t *testing.T) {
	raw, err := json.Marshal(extractFixture(t))
	assert.NoError(t, err)

	body := string(raw)
	assert.Contains(t, body, `"schemaVersion":"1.0"`)
	assert.Contains(t, body, `"totalElements":2`)
	assert.Contains(t, body, `"entityLabel":10`)
	assert.Contains(t, body, `"valueType":"boolean"`)
	assert.Contains(t, body, `"unit":"m2"`)
	// False values must survive serialization.
	assert.Contains(t, body, `"value":false`)
}

package ifc

import (
	"errors"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"
)

// PropertiesSchemaVersion identifies the shape of the extracted document.
const PropertiesSchemaVersion = "1.0"

// Value type tags of extracted properties and quantities.
const (
	ValueString      = "string"
	ValueInteger     = "integer"
	ValueDouble      = "double"
	ValueBoolean     = "boolean"
	ValueEnumeration = "enumeration"
	ValueRange       = "range"
	ValueList        = "list"
	ValueTable       = "table"
	ValueComplex     = "complex"
	ValueUnknown     = "unknown"
)

// Document is the properties artifact stored next to converted geometry.
type Document struct {
	SchemaVersion string    `json:"schemaVersion"`
	ExtractedAt   time.Time `json:"extractedAt"`
	TotalElements int       `json:"totalElements"`
	Elements      []Element `json:"elements"`
}

// Element flattens one product together with its property sets, quantity
// sets and the property sets inherited from its type object.
type Element struct {
	EntityLabel      int64         `json:"entityLabel"`
	GlobalId         string        `json:"globalId"`
	Name             string        `json:"name,omitempty"`
	TypeName         string        `json:"typeName"`
	Description      string        `json:"description,omitempty"`
	ObjectType       string        `json:"objectType,omitempty"`
	TypeObjectName   string        `json:"typeObjectName,omitempty"`
	TypeObjectType   string        `json:"typeObjectType,omitempty"`
	PropertySets     []PropertySet `json:"propertySets"`
	QuantitySets     []QuantitySet `json:"quantitySets"`
	TypePropertySets []PropertySet `json:"typePropertySets"`
}

type PropertySet struct {
	Name           string     `json:"name"`
	GlobalId       string     `json:"globalId,omitempty"`
	IsTypeProperty bool       `json:"isTypeProperty"`
	Properties     []Property `json:"properties"`
}

type Property struct {
	Name      string      `json:"name"`
	Value     interface{} `json:"value"`
	ValueType string      `json:"valueType"`
	Unit      string      `json:"unit,omitempty"`
}

type QuantitySet struct {
	Name       string     `json:"name"`
	GlobalId   string     `json:"globalId,omitempty"`
	Quantities []Quantity `json:"quantities"`
}

type Quantity struct {
	Name      string      `json:"name"`
	Value     interface{} `json:"value"`
	ValueType string      `json:"valueType"`
	Unit      string      `json:"unit,omitempty"`
}

// Nesting bound for complex properties that reference each other.
const maxComplexDepth = 8

var productTypes = makeTypeSet(
	"IFCSITE", "IFCBUILDING", "IFCBUILDINGSTOREY", "IFCSPACE",
	"IFCWALL", "IFCWALLSTANDARDCASE", "IFCWALLELEMENTEDCASE", "IFCCURTAINWALL",
	"IFCWINDOW", "IFCDOOR", "IFCSLAB", "IFCROOF", "IFCBEAM", "IFCCOLUMN",
	"IFCMEMBER", "IFCPLATE", "IFCSTAIR", "IFCSTAIRFLIGHT", "IFCRAMP",
	"IFCRAMPFLIGHT", "IFCRAILING", "IFCFOOTING", "IFCPILE", "IFCCOVERING",
	"IFCCHIMNEY", "IFCSHADINGDEVICE", "IFCBUILDINGELEMENTPROXY",
	"IFCFURNISHINGELEMENT", "IFCSYSTEMFURNITUREELEMENT", "IFCTRANSPORTELEMENT",
	"IFCDISTRIBUTIONELEMENT", "IFCDISTRIBUTIONCONTROLELEMENT",
	"IFCDISTRIBUTIONFLOWELEMENT", "IFCENERGYCONVERSIONDEVICE",
	"IFCFLOWCONTROLLER", "IFCFLOWFITTING", "IFCFLOWMOVINGDEVICE",
	"IFCFLOWSEGMENT", "IFCFLOWSTORAGEDEVICE", "IFCFLOWTERMINAL",
	"IFCFLOWTREATMENTDEVICE", "IFCELEMENTASSEMBLY", "IFCDISCRETEACCESSORY",
	"IFCFASTENER", "IFCMECHANICALFASTENER", "IFCREINFORCINGBAR",
	"IFCREINFORCINGMESH", "IFCTENDON", "IFCTENDONANCHOR",
	"IFCOPENINGELEMENT", "IFCPROXY", "IFCANNOTATION", "IFCGRID",
	"IFCVIRTUALELEMENT", "IFCGEOGRAPHICELEMENT", "IFCCIVILELEMENT",
	"IFCAIRTERMINAL", "IFCDUCTSEGMENT", "IFCDUCTFITTING", "IFCPIPESEGMENT",
	"IFCPIPEFITTING", "IFCPUMP", "IFCFAN", "IFCVALVE", "IFCBOILER",
	"IFCCHILLER", "IFCLIGHTFIXTURE", "IFCSANITARYTERMINAL", "IFCCABLESEGMENT",
	"IFCCABLECARRIERSEGMENT", "IFCOUTLET", "IFCSWITCHINGDEVICE",
	"IFCELECTRICAPPLIANCE", "IFCSENSOR", "IFCACTUATOR", "IFCALARM",
	"IFCCONTROLLER", "IFCUNITARYEQUIPMENT", "IFCSPACEHEATER",
)

func makeTypeSet(types ...string) map[string]bool {
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return set
}

var quantityUnits = map[string]string{
	"IFCQUANTITYLENGTH": "m",
	"IFCQUANTITYAREA":   "m2",
	"IFCQUANTITYVOLUME": "m3",
	"IFCQUANTITYWEIGHT": "kg",
	"IFCQUANTITYTIME":   "s",
	"IFCQUANTITYCOUNT":  "",
}

var siUnitLabels = map[string]string{
	"LENGTHUNIT": "m",
	"AREAUNIT":   "m2",
	"VOLUMEUNIT": "m3",
	"MASSUNIT":   "kg",
	"TIMEUNIT":   "s",
}

// ExtractionTypes reports whether a STEP entity type participates in property
// extraction. Passing it to ReadModel drops geometry records early, which
// keeps the in memory table small for large models.
func ExtractionTypes(entityType string) bool {
	if productTypes[entityType] {
		return true
	}
	switch entityType {
	case "IFCELEMENTQUANTITY", "IFCCOMPLEXPROPERTY", "IFCSIUNIT":
		return true
	}
	return strings.HasPrefix(entityType, "IFCPROPERTY") ||
		strings.HasPrefix(entityType, "IFCQUANTITY") ||
		strings.HasPrefix(entityType, "IFCRELDEFINES") ||
		strings.HasSuffix(entityType, "TYPE") ||
		strings.HasSuffix(entityType, "STYLE")
}

// ExtractProperties walks the relationship graph of a model and flattens every
// product into the document shape. A malformed element is skipped with a
// warning, it never aborts the rest of the extraction.
func ExtractProperties(model *Model) *Document {
	doc := &Document{
		SchemaVersion: PropertiesSchemaVersion,
		ExtractedAt:   time.Now().UTC(),
		Elements:      []Element{},
	}

	propertyRels := relationsByObject(model, "IFCRELDEFINESBYPROPERTIES")
	typeRels := relationsByObject(model, "IFCRELDEFINESBYTYPE")

	for _, product := range productEntities(model) {
		element, err := extractElement(model, product, propertyRels[product.Id], typeRels[product.Id])
		if err != nil {
			slog.Warn("skipping element during property extraction",
				"entity", product.Id, "type", product.Type, "error", err)
			continue
		}
		doc.Elements = append(doc.Elements, element)
	}
	doc.TotalElements = len(doc.Elements)
	return doc
}

func productEntities(model *Model) []*Entity {
	var products []*Entity
	for entityType := range productTypes {
		products = append(products, model.OfType(entityType)...)
	}
	sort.Slice(products, func(i, j int) bool { return products[i].Id < products[j].Id })
	return products
}

// relationsByObject indexes IfcRelDefines* records by the objects they
// relate. RelatedObjects sits at argument 4 for both relationship types.
func relationsByObject(model *Model, relType string) map[int64][]*Entity {
	byObject := make(map[int64][]*Entity)
	for _, rel := range model.OfType(relType) {
		related, ok := rel.ListArg(4)
		if !ok {
			continue
		}
		for _, obj := range related {
			if obj.Kind == ArgRef {
				byObject[obj.Ref] = append(byObject[obj.Ref], rel)
			}
		}
	}
	return byObject
}

func extractElement(model *Model, product *Entity, propertyRels, typeRels []*Entity) (Element, error) {
	globalId, ok := product.StringArg(0)
	if !ok || globalId == "" {
		return Element{}, errors.New("product has no global id")
	}

	element := Element{
		EntityLabel:      product.Id,
		GlobalId:         globalId,
		TypeName:         product.Type,
		PropertySets:     []PropertySet{},
		QuantitySets:     []QuantitySet{},
		TypePropertySets: []PropertySet{},
	}
	element.Name, _ = product.StringArg(2)
	element.Description, _ = product.StringArg(3)
	element.ObjectType, _ = product.StringArg(4)

	for _, rel := range propertyRels {
		definition, ok := derefArg(model, rel, 5)
		if !ok {
			continue
		}
		switch definition.Type {
		case "IFCPROPERTYSET":
			element.PropertySets = append(element.PropertySets, extractPropertySet(model, definition, false))
		case "IFCELEMENTQUANTITY":
			element.QuantitySets = append(element.QuantitySets, extractQuantitySet(model, definition))
		}
	}

	if len(typeRels) > 0 {
		if typeObject, ok := derefArg(model, typeRels[0], 5); ok {
			element.TypeObjectName, _ = typeObject.StringArg(2)
			element.TypeObjectType, _ = typeObject.StringArg(8)
			if sets, ok := typeObject.ListArg(5); ok {
				for _, ref := range sets {
					pset, ok := model.Deref(ref)
					if !ok || pset.Type != "IFCPROPERTYSET" {
						continue
					}
					element.TypePropertySets = append(element.TypePropertySets, extractPropertySet(model, pset, true))
				}
			}
		}
	}

	return element, nil
}

// extractPropertySet reads an IfcPropertySet, whose members sit at argument 4.
func extractPropertySet(model *Model, pset *Entity, isType bool) PropertySet {
	out := PropertySet{IsTypeProperty: isType, Properties: []Property{}}
	out.Name, _ = pset.StringArg(2)
	out.GlobalId, _ = pset.StringArg(0)

	members, ok := pset.ListArg(4)
	if !ok {
		return out
	}
	for _, ref := range members {
		prop, ok := model.Deref(ref)
		if !ok {
			continue
		}
		out.Properties = append(out.Properties, extractProperty(model, prop, 0))
	}
	return out
}

func extractProperty(model *Model, prop *Entity, depth int) Property {
	out := Property{ValueType: ValueUnknown}
	out.Name, _ = prop.StringArg(0)

	switch prop.Type {
	case "IFCPROPERTYSINGLEVALUE":
		if a, ok := prop.Arg(2); ok {
			out.Value, out.ValueType = simpleValue(a)
		}
		out.Unit = unitLabel(model, prop, 3)
	case "IFCPROPERTYENUMERATEDVALUE":
		out.ValueType = ValueEnumeration
		if list, ok := prop.ListArg(2); ok {
			out.Value = listValues(list)
		}
	case "IFCPROPERTYBOUNDEDVALUE":
		out.ValueType = ValueRange
		bounds := map[string]interface{}{}
		if a, ok := prop.Arg(2); ok {
			bounds["upperBound"], _ = simpleValue(a)
		}
		if a, ok := prop.Arg(3); ok {
			bounds["lowerBound"], _ = simpleValue(a)
		}
		out.Value = bounds
		out.Unit = unitLabel(model, prop, 4)
	case "IFCPROPERTYLISTVALUE":
		out.ValueType = ValueList
		if list, ok := prop.ListArg(2); ok {
			out.Value = listValues(list)
		}
		out.Unit = unitLabel(model, prop, 3)
	case "IFCPROPERTYTABLEVALUE":
		out.ValueType = ValueTable
		table := map[string]interface{}{}
		if list, ok := prop.ListArg(2); ok {
			table["definingValues"] = listValues(list)
		}
		if list, ok := prop.ListArg(3); ok {
			table["definedValues"] = listValues(list)
		}
		out.Value = table
	case "IFCCOMPLEXPROPERTY":
		out.ValueType = ValueComplex
		if depth >= maxComplexDepth {
			break
		}
		if list, ok := prop.ListArg(3); ok {
			nested := make([]Property, 0, len(list))
			for _, ref := range list {
				child, ok := model.Deref(ref)
				if !ok {
					continue
				}
				nested = append(nested, extractProperty(model, child, depth+1))
			}
			out.Value = nested
		}
	}
	return out
}

// extractQuantitySet reads an IfcElementQuantity, whose members sit at
// argument 5.
func extractQuantitySet(model *Model, qset *Entity) QuantitySet {
	out := QuantitySet{Quantities: []Quantity{}}
	out.Name, _ = qset.StringArg(2)
	out.GlobalId, _ = qset.StringArg(0)

	members, ok := qset.ListArg(5)
	if !ok {
		return out
	}
	for _, ref := range members {
		q, ok := model.Deref(ref)
		if !ok {
			continue
		}
		out.Quantities = append(out.Quantities, extractQuantity(q))
	}
	return out
}

func extractQuantity(q *Entity) Quantity {
	out := Quantity{ValueType: ValueUnknown}
	out.Name, _ = q.StringArg(0)

	unit, known := quantityUnits[q.Type]
	if !known {
		return out
	}
	out.Unit = unit
	if a, ok := q.Arg(3); ok {
		out.Value, out.ValueType = simpleValue(a)
	}
	// Counts are whole numbers even when the file writes them as reals.
	if q.Type == "IFCQUANTITYCOUNT" {
		if v, ok := out.Value.(float64); ok && v == math.Trunc(v) {
			out.Value = int64(v)
			out.ValueType = ValueInteger
		}
	}
	return out
}

func simpleValue(a Arg) (interface{}, string) {
	switch a.Kind {
	case ArgString:
		return a.Str, ValueString
	case ArgNumber:
		if a.IsInt {
			return int64(a.Num), ValueInteger
		}
		return a.Num, ValueDouble
	case ArgEnum:
		switch a.Str {
		case "T", "TRUE":
			return true, ValueBoolean
		case "F", "FALSE":
			return false, ValueBoolean
		case "U", "UNKNOWN":
			return nil, ValueBoolean
		}
		return a.Str, ValueEnumeration
	case ArgTyped:
		if len(a.List) == 1 {
			return simpleValue(a.List[0])
		}
		return nil, ValueUnknown
	case ArgList:
		return listValues(a.List), ValueList
	}
	return nil, ValueUnknown
}

func listValues(args []Arg) []interface{} {
	values := make([]interface{}, 0, len(args))
	for _, a := range args {
		v, _ := simpleValue(a)
		values = append(values, v)
	}
	return values
}

func derefArg(model *Model, e *Entity, i int) (*Entity, bool) {
	ref, ok := e.RefArg(i)
	if !ok {
		return nil, false
	}
	return model.Entity(ref)
}

func unitLabel(model *Model, owner *Entity, i int) string {
	unit, ok := derefArg(model, owner, i)
	if !ok || unit.Type != "IFCSIUNIT" {
		return ""
	}
	// IfcSIUnit arguments are Dimensions, UnitType, Prefix, Name.
	if a, ok := unit.Arg(1); ok && a.Kind == ArgEnum {
		return siUnitLabels[a.Str]
	}
	return ""
}

package ifc

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

const wallFixture = `ISO-10303-21;
HEADER;
FILE_DESCRIPTION((''),'2;1');
FILE_NAME('sample.ifc','2026-01-12T09:30:00',('author'),('office'),'','','');
FILE_SCHEMA(('IFC4'));
ENDSEC;
DATA;
/* geometry records trimmed to the ones the tests need */
#1=IFCPROJECT('0xScRe4drECQ4DMSqUjd6d',$,'Sample Project',$,$,$,$,$,#98);
#98=IFCSIUNIT(*,.LENGTHUNIT.,$,.METRE.);
#99=IFCCARTESIANPOINT((0.,0.,0.));
#10=IFCWALLSTANDARDCASE('3vB2YO$MX4xv5uCqZZG05x',$,'Basement Wall','South face','Basic Wall:200mm',$,$,'W-01');
#11=IFCDOOR('1hOSvn6df7F8_7GcBWlR72',$,'Client''s Door',$,$,$,$,'D-01',2.1,0.9);
#20=IFCPROPERTYSINGLEVALUE('FireRating',$,IFCLABEL('REI120'),$);
#21=IFCPROPERTYSINGLEVALUE('IsExternal',$,IFCBOOLEAN(.T.),$);
#22=IFCPROPERTYSINGLEVALUE('Width',$,IFCLENGTHMEASURE(200.),#98);
#23=IFCPROPERTYENUMERATEDVALUE('AcousticRating',$,(IFCLABEL('R1'),IFCLABEL('R2')),$);
#24=IFCPROPERTYBOUNDEDVALUE('OperatingRange',$,IFCREAL(10.),IFCREAL(2.),$);
#25=IFCPROPERTYLISTVALUE('Segments',$,(IFCINTEGER(1),IFCINTEGER(2),IFCINTEGER(3)),$);
#30=IFCPROPERTYSET('2iJ9Z3cSnEJuBPZdtlBIaV',$,'Pset_WallCommon',$,
(#20,#21,#22));
#31=IFCPROPERTYSET('0jR8me2dv9sfLPYp3Ssc8w',$,'Pset_Custom',$,(#23,#24,#25));
#40=IFCRELDEFINESBYPROPERTIES('1kTURuoeHEYAvueEAuOdmH',$,$,$,(#10),#30);
#41=IFCRELDEFINESBYPROPERTIES('2NSOueMWz1ohxfqzpqvWVr',$,$,$,(#10),#31);
#50=IFCQUANTITYLENGTH('Length',$,$,12.5);
#51=IFCQUANTITYAREA('GrossArea',$,$,30.);
#52=IFCQUANTITYVOLUME('NetVolume',$,$,6.25);
#53=IFCQUANTITYCOUNT('OpeningCount',$,$,2.);
#54=IFCELEMENTQUANTITY('3Kd4CsEf95yfn8Jb7198Wb',$,'Qto_WallBaseQuantities',$,$,(#50,#51,#52,#53));
#55=IFCRELDEFINESBYPROPERTIES('0M6o7Mc2v7yhw1M7N2Vs10',$,$,$,(#10),#54);
#60=IFCWALLTYPE('0WUveBtSTDbunLJDsSmTVG',$,'200mm Concrete',$,$,(#61),$,$,'200MM-CONC',.STANDARD.);
#61=IFCPROPERTYSET('1GOyBvBKn4xhSdvHaCvhBr',$,'Pset_WallTypeCommon',$,(#62));
#62=IFCPROPERTYSINGLEVALUE('LoadBearing',$,IFCBOOLEAN(.F.),$);
#70=IFCRELDEFINESBYTYPE('2YcHhAQvP4JR_ROKrTmGWx',$,$,$,(#10),#60);
ENDSEC;
END-ISO-10303-21;
`

func TestReadModelParsesRecords(t *testing.T) {
	model, err := ReadModel(strings.NewReader(wallFixture), nil)
	assert.NoError(t, err)
	assert.Equal(t, "IFC4", model.Schema())

	wall, ok := model.Entity(10)
	assert.True(t, ok)
	assert.Equal(t, "IFCWALLSTANDARDCASE", wall.Type)

	globalId, ok := wall.StringArg(0)
	assert.True(t, ok)
	assert.Equal(t, "3vB2YO$MX4xv5uCqZZG05x", globalId)

	name, ok := wall.StringArg(2)
	assert.True(t, ok)
	assert.Equal(t, "Basement Wall", name)

	// Doubled quotes decode to a single quote.
	door, ok := model.Entity(11)
	assert.True(t, ok)
	doorName, _ := door.StringArg(2)
	assert.Equal(t, "Client's Door", doorName)

	// Typed values unwrap one level.
	fireRating, ok := model.Entity(20)
	assert.True(t, ok)
	nominal, ok := fireRating.Arg(2)
	assert.True(t, ok)
	assert.Equal(t, ArgTyped, nominal.Kind)
	assert.Equal(t, "IFCLABEL", nominal.Str)
	value, ok := fireRating.StringArg(2)
	assert.True(t, ok)
	assert.Equal(t, "REI120", value)

	// References and lists.
	rel, ok := model.Entity(40)
	assert.True(t, ok)
	definition, ok := rel.RefArg(5)
	assert.True(t, ok)
	assert.Equal(t, int64(30), definition)
	related, ok := rel.ListArg(4)
	assert.True(t, ok)
	assert.Len(t, related, 1)
	assert.Equal(t, ArgRef, related[0].Kind)
	assert.Equal(t, int64(10), related[0].Ref)

	// Numbers keep their integer or real form.
	length, ok := model.Entity(50)
	assert.True(t, ok)
	lengthValue, ok := length.Arg(3)
	assert.True(t, ok)
	assert.Equal(t, ArgNumber, lengthValue.Kind)
	assert.Equal(t, 12.5, lengthValue.Num)
	assert.False(t, lengthValue.IsInt)

	point, ok := model.Entity(99)
	assert.True(t, ok)
	coordinates, ok := point.ListArg(0)
	assert.True(t, ok)
	assert.Len(t, coordinates, 3)

	// Derived and enum arguments.
	unit, ok := model.Entity(98)
	assert.True(t, ok)
	dimensions, _ := unit.Arg(0)
	assert.Equal(t, ArgDerived, dimensions.Kind)
	unitType, _ := unit.Arg(1)
	assert.Equal(t, ArgEnum, unitType.Kind)
	assert.Equal(t, "LENGTHUNIT", unitType.Str)
}

func TestReadModelFilterDropsGeometry(t *testing.T) {
	model, err := ReadModel(strings.NewReader(wallFixture), ExtractionTypes)
	assert.NoError(t, err)

	_, ok := model.Entity(99)
	assert.False(t, ok, "cartesian point should be dropped")
	_, ok = model.Entity(1)
	assert.False(t, ok, "project is not a product")

	_, ok = model.Entity(10)
	assert.True(t, ok)
	_, ok = model.Entity(98)
	assert.True(t, ok, "si units are kept for unit labels")
	_, ok = model.Entity(60)
	assert.True(t, ok, "type objects are kept")
	assert.Len(t, model.OfType("IFCRELDEFINESBYPROPERTIES"), 3)
}

func TestReadModelRejectsNonStepInput(t *testing.T) {
	_, err := ReadModel(strings.NewReader("#1=IFCWALL('a');"), nil)
	assert.ErrorContains(t, err, "not a step file")

	_, err = ReadModel(strings.NewReader("MZ\x90\x00binary"), nil)
	assert.Error(t, err)

	_, err = ReadModel(strings.NewReader(""), nil)
	assert.ErrorContains(t, err, "not a step file")
}

func TestReadModelRejectsTruncatedStream(t *testing.T) {
	_, err := ReadModel(strings.NewReader("ISO-10303-21;\nDATA;\n#1=IFCWALL('a'"), nil)
	assert.ErrorContains(t, err, "unexpected end")
}

func TestReadModelRejectsMalformedRecord(t *testing.T) {
	_, err := ReadModel(strings.NewReader("ISO-10303-21;\n#1=IFCWALL('a',;\n"), nil)
	assert.Error(t, err)

	_, err = ReadModel(strings.NewReader("ISO-10303-21;\n#x=IFCWALL();\n"), nil)
	assert.Error(t, err)
}

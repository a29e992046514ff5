package csvfile

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_HeaderTrimAndBlankLines(t *testing.T) {
	text := " Patient ID , Visit Date ,CPT Code, Claim Amount\n" +
		"\n" +
		"P001,  2025-01-15 , 95810 ,200.00\n" +
		",,,\n" +
		"P002,2025-01-16,95811,\n"

	rows, err := Parse(text)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, []string{"Patient ID", "Visit Date", "CPT Code", "Claim Amount"}, rows[0].Header)
	assert.Equal(t, "P001", rows[0].Get("Patient ID"))
	assert.Equal(t, "2025-01-15", rows[0].Get("Visit Date"))
	assert.Equal(t, "95810", rows[0].Get("CPT Code"))
	assert.Equal(t, "", rows[1].Get("Claim Amount"))
	assert.Equal(t, 3, rows[0].Line)
}

func TestParse_ShortRowFillsEmpty(t *testing.T) {
	rows, err := Parse("a,b,c\n1,2\n")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	v, ok := rows[0].Values["c"]
	assert.True(t, ok)
	assert.Equal(t, "", v)
}

func TestParse_QuotedFields(t *testing.T) {
	rows, err := Parse("Name,Note\n\"Doe, Jane\",\"said \"\"hi\"\"\"\n")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Doe, Jane", rows[0].Get("Name"))
	assert.Equal(t, `said "hi"`, rows[0].Get("Note"))
}

func TestParse_ByteOrderMark(t *testing.T) {
	rows, err := Parse("\ufeffPatient ID,Stage\nP1,Delivery\n")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "P1", rows[0].Get("Patient ID"))
}

func TestParse_Empty(t *testing.T) {
	_, err := Parse("\n\n")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoHeader))
}

func TestParse_HeaderOnly(t *testing.T) {
	rows, err := Parse("Patient ID,Visit Date\n")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestParse_MalformedStructure(t *testing.T) {
	cases := map[string]string{
		"bare quote":   "a,b\nx,y\"z\n",
		"unterminated": "a,b\n\"x,y\n",
		"extra fields": "a,b\n1,2,3\n",
	}
	for name, text := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(text)
			var pe *ParseError
			require.ErrorAs(t, err, &pe)
		})
	}
}

func TestRow_LookupAndString(t *testing.T) {
	rows, err := Parse("Patient Id,Payer\nP9,Aetna\n")
	require.NoError(t, err)
	r := rows[0]

	v, ok := r.Lookup("Patient ID", "Patient Id")
	assert.True(t, ok)
	assert.Equal(t, "P9", v)

	_, ok = r.Lookup("Missing")
	assert.False(t, ok)

	assert.Equal(t, "Patient Id=P9, Payer=Aetna", r.String())
}

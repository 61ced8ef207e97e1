package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBoxLabelKeepsJSONKind(t *testing.T) {
	var entries []BBoxEntry
	raw := `[{"coordinates":[1,2,3,4],"label":7,"crowd_flag":false},{"coordinates":[0,0,5,5],"label":"12","crowd_flag":true}]`
	require.NoError(t, json.Unmarshal([]byte(raw), &entries))

	require.True(t, entries[0].Label.Numeric)
	n, err := entries[0].Label.Int()
	require.NoError(t, err)
	require.Equal(t, 7, n)

	require.False(t, entries[1].Label.Numeric)
	n, err = entries[1].Label.Int()
	require.NoError(t, err)
	require.Equal(t, 12, n)

	out, err := json.Marshal(entries)
	require.NoError(t, err)
	require.JSONEq(t, raw, string(out))
}

func TestBoxLabelRejectsObjects(t *testing.T) {
	var l BoxLabel
	require.Error(t, json.Unmarshal([]byte(`{"a":1}`), &l))
}

func TestMachineRecordCloneIsDeep(t *testing.T) {
	rec := MachineBBoxRecord{
		Boxes:  [][4]float64{{0, 0, 1, 1}},
		Scores: []float64{0.2},
		GT:     []int{3},
	}
	c := rec.Clone()
	c.Scores[0] = 9
	c.Boxes[0][0] = 5
	require.Equal(t, 0.2, rec.Scores[0])
	require.Equal(t, 0.0, rec.Boxes[0][0])
}

func TestLabelTypeValid(t *testing.T) {
	require.True(t, LabelOOD.Valid())
	require.True(t, LabelType("").Valid())
	require.False(t, LabelType("weird").Valid())
}

func TestAnnotationRecordAcceptsLegacyLabelList(t *testing.T) {
	var sel Selections
	raw := `{"n01/a.JPEG":["1","7"],"n02/b.JPEG":{"labels":["2"],"bboxes":[{"coordinates":[0,0,4,4],"label":2,"crowd_flag":false}],"label_type":"uncertain"}}`
	require.NoError(t, json.Unmarshal([]byte(raw), &sel))

	require.Equal(t, []string{"1", "7"}, sel["n01/a.JPEG"].Labels)
	require.True(t, sel["n01/a.JPEG"].HasLabel("7"))
	require.Empty(t, sel["n01/a.JPEG"].BBoxes)

	b := sel["n02/b.JPEG"]
	require.Equal(t, LabelUncertain, b.LabelType)
	require.Len(t, b.BBoxes, 1)
	require.False(t, b.Empty())

	out, err := json.Marshal(sel["n01/a.JPEG"])
	require.NoError(t, err)
	require.JSONEq(t, `{"labels":["1","7"]}`, string(out))
}

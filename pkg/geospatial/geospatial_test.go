package geospatial

import (
	"encoding/json"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLocation(t *testing.T) {
	point, err := ParseLocation("13.4050, 52.5200")
	require.NoError(t, err)
	assert.InDelta(t, 13.4050, point.Lon(), 1e-9)
	assert.InDelta(t, 52.5200, point.Lat(), 1e-9)

	for _, bad := range []string{"", "13.4", "a,b", "181,0", "0,-91", "1,2,3"} {
		_, err := ParseLocation(bad)
		assert.Error(t, err, bad)
	}
}

func TestValidatePoint(t *testing.T) {
	assert.NoError(t, ValidatePoint(orb.Point{180, 90}))
	assert.NoError(t, ValidatePoint(orb.Point{-180, -90}))
	assert.Error(t, ValidatePoint(orb.Point{180.1, 0}))
	assert.Error(t, ValidatePoint(orb.Point{0, 90.1}))
}

func TestToGeoJSON(t *testing.T) {
	data, err := ToGeoJSON(orb.Point{13.4, 52.5}, map[string]interface{}{"sensor_id": "sensor-7"})
	require.NoError(t, err)

	var feature map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &feature))
	assert.Equal(t, "Feature", feature["type"])
	props := feature["properties"].(map[string]interface{})
	assert.Equal(t, "sensor-7", props["sensor_id"])
}

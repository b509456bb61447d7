package model_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"pcal/internal/model"
)

func TestEventInfo_Zone(t *testing.T) {
	info := model.EventInfo{Location: "Room 1", TZID: "Asia/Seoul"}
	assert.Equal(t, "Asia/Seoul", info.Zone().String())
	assert.Equal(t, "Room 1", info.Location)

	info.AllDay = true
	assert.Equal(t, time.UTC, info.Zone(), "all-day events live in UTC")

	info = model.EventInfo{TZID: "Nowhere/Special"}
	assert.Equal(t, time.UTC, info.Zone())
	assert.Equal(t, time.UTC, (&model.EventInfo{}).Zone())
}

func TestOccurrence_Overlaps(t *testing.T) {
	day := time.Date(2025, time.December, 1, 0, 0, 0, 0, time.UTC)
	trip := model.Occurrence{Start: day.AddDate(0, 0, -2), End: day.AddDate(0, 0, 1)}
	assert.True(t, trip.Overlaps(day, day.AddDate(0, 0, 7)))
	assert.False(t, trip.Overlaps(day.AddDate(0, 0, 1), day.AddDate(0, 0, 7)), "end is exclusive")

	point := model.Occurrence{Start: day, End: day}
	assert.True(t, point.Overlaps(day, day.Add(time.Hour)))
	assert.False(t, point.Overlaps(day.Add(-time.Hour), day))
}

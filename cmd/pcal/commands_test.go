package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pcal/internal/daycode"
	"pcal/internal/model"
)

func TestParseDate(t *testing.T) {
	seoul, err := time.LoadLocation("Asia/Seoul")
	require.NoError(t, err)

	got, err := parseDate("2026-03-01", seoul)
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2026, time.March, 1, 0, 0, 0, 0, seoul)))

	got, err = parseDate("2026-03-01T09:30:00Z", seoul)
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2026, time.March, 1, 9, 30, 0, 0, time.UTC)))

	_, err = parseDate("next tuesday", seoul)
	assert.Error(t, err)
}

func TestPrintResolved(t *testing.T) {
	start := time.Date(2026, time.January, 14, 16, 0, 0, 0, time.UTC)
	rows := []model.Resolved{
		{
			Occurrence: model.Occurrence{Start: start, End: start.Add(15 * time.Minute), StartDay: daycode.New(2026, time.January, 14)},
			Event:      &model.Master{EventInfo: model.EventInfo{ID: 1, Title: "Standup", Location: "Room 1"}},
		},
		{
			Occurrence: model.Occurrence{AllDay: true, StartDay: daycode.New(2026, time.January, 15)},
			Event:      &model.Master{EventInfo: model.EventInfo{ID: 2, Title: "Offsite"}},
		},
	}

	var buf bytes.Buffer
	printResolved(&buf, rows, time.UTC)
	assert.Equal(t,
		"20260114  Wed 16:00-16:15  Standup @ Room 1\n"+
			"20260115  all day          Offsite\n",
		buf.String())

	buf.Reset()
	printResolved(&buf, nil, time.UTC)
	assert.Equal(t, "nothing found\n", buf.String())
}

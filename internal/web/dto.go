package web

import (
	"time"

	"pcal/internal/engine"
	"pcal/internal/model"
)

// eventDTO is the resolved event shown for an occurrence or a search hit.
type eventDTO struct {
	ID          model.EventID    `json:"id"`
	UID         string           `json:"uid"`
	CalendarID  model.CalendarID `json:"calendar_id"`
	Title       string           `json:"title"`
	Location    string           `json:"location,omitempty"`
	Description string           `json:"description,omitempty"`
	AllDay      bool             `json:"all_day"`
	TZID        string           `json:"tzid,omitempty"`
	Recurring   bool             `json:"recurring"`
	Exception   bool             `json:"exception"`
	MasterID    model.EventID    `json:"master_id,omitempty"`
	Reminders   []int64          `json:"reminder_minutes,omitempty"`
}

type occurrenceDTO struct {
	ID            model.OccurrenceID `json:"id"`
	OriginalStart time.Time          `json:"original_start"`
	Start         time.Time          `json:"start"`
	End           time.Time          `json:"end"`
	StartDay      string             `json:"start_day"`
	EndDay        string             `json:"end_day"`
	AllDay        bool               `json:"all_day"`
	Event         eventDTO           `json:"event"`
}

type rangeResponse struct {
	From        time.Time       `json:"from"`
	To          time.Time       `json:"to"`
	Occurrences []occurrenceDTO `json:"occurrences"`
}

type dayResponse struct {
	Day         string          `json:"day"`
	Occurrences []occurrenceDTO `json:"occurrences"`
}

type hitDTO struct {
	Event          eventDTO  `json:"event"`
	NextOccurrence time.Time `json:"next_occurrence"`
}

type searchResponse struct {
	Query string   `json:"query"`
	Hits  []hitDTO `json:"hits"`
}

type windowResponse struct {
	Start *time.Time `json:"start"`
	End   *time.Time `json:"end"`
}

type failureDTO struct {
	MasterID model.EventID `json:"master_id"`
	Error    string        `json:"error"`
}

type summaryResponse struct {
	Changed   int            `json:"changed"`
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
	Failures  []failureDTO   `json:"failures,omitempty"`
	Horizon   windowResponse `json:"horizon"`
}

type visibilityDTO struct {
	// Calendars is null when every calendar is shown.
	Calendars []model.CalendarID `json:"calendars"`
}

type timezoneDTO struct {
	Timezone string           `json:"timezone"`
	Summary  *summaryResponse `json:"summary,omitempty"`
}

func windowDTO(w model.Window) windowResponse {
	if w.IsZero() {
		return windowResponse{}
	}
	start, end := w.Start, w.End
	return windowResponse{Start: &start, End: &end}
}

func summaryOf(s engine.Summary) summaryResponse {
	out := summaryResponse{
		Changed:   s.Changed,
		Succeeded: s.Succeeded,
		Failed:    s.Failed,
		Horizon:   windowDTO(s.Horizon),
	}
	for _, f := range s.Failures {
		out.Failures = append(out.Failures, failureDTO{MasterID: f.MasterID, Error: f.Err.Error()})
	}
	return out
}

func eventOf(ev model.Event) eventDTO {
	info := ev.Info()
	out := eventDTO{
		ID:          info.ID,
		UID:         info.UID,
		CalendarID:  info.CalendarID,
		Title:       info.Title,
		Location:    info.Location,
		Description: info.Description,
		AllDay:      info.AllDay,
		TZID:        info.TZID,
	}
	for _, r := range info.Reminders {
		out.Reminders = append(out.Reminders, int64(r/time.Minute))
	}
	switch e := ev.(type) {
	case *model.Master:
		out.Recurring = e.Recurring()
	case *model.Exception:
		out.Exception = true
		out.MasterID = e.MasterID
	}
	return out
}

func occurrences(rows []model.Resolved) []occurrenceDTO {
	out := make([]occurrenceDTO, 0, len(rows))
	for _, r := range rows {
		o := r.Occurrence
		out = append(out, occurrenceDTO{
			ID:            o.ID,
			OriginalStart: o.OriginalStart,
			Start:         o.Start,
			End:           o.End,
			StartDay:      o.StartDay.String(),
			EndDay:        o.EndDay.String(),
			AllDay:        o.AllDay,
			Event:         eventOf(r.Event),
		})
	}
	return out
}

package actions

import (
	"context"
	"time"

	"github.com/flitsinc/toolbridge/internal/registry"
	"github.com/flitsinc/toolbridge/internal/schema"
)

var currentDateSchema = schema.ActionSchema{
	Name:        "get_current_date",
	Description: "Return the current date and time in UTC",
}

func currentDateImpl(now func() time.Time) registry.Impl {
	return func(_ context.Context, _ map[string]any) (string, error) {
		t := now().UTC()
		return encodeResult(map[string]any{
			"date":    t.Format("2006-01-02"),
			"time":    t.Format("15:04:05"),
			"weekday": t.Weekday().String(),
		})
	}
}

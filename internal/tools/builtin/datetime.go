package builtin

import (
	"context"
	"time"

	"agentrelay/internal/tools"
)

type NoArgs struct{}

var now = time.Now

func GetCurrentDatetime(context.Context, NoArgs) (string, error) {
	return now().Format(time.DateTime), nil
}

func GetCurrentDate(context.Context, NoArgs) (string, error) {
	return now().Format(time.DateOnly), nil
}

func GetCurrentTime(context.Context, NoArgs) (string, error) {
	return now().Format(time.TimeOnly), nil
}

func Datetime(priceSats int64) ([]*tools.Tool, error) {
	specs := []struct {
		fn   func(context.Context, NoArgs) (string, error)
		desc string
	}{
		{GetCurrentDatetime, "Gets the current date and time"},
		{GetCurrentDate, "Gets today's date"},
		{GetCurrentTime, "Gets the time of day"},
	}
	out := make([]*tools.Tool, 0, len(specs))
	for _, s := range specs {
		t, err := tools.Typed(s.fn, tools.WithDescription(s.desc), tools.WithPrice(priceSats))
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Package cron parses the retry sweep schedule. A schedule is either a
// five-field cron expression, a descriptor such as "@hourly" or
// "@every 5m", or a bare Go duration such as "90s".
package cron

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

type Parser struct {
	parser cron.Parser
}

func NewParser() *Parser {
	return &Parser{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Parse interprets expression in timezone. The timezone only matters for
// cron expressions; fixed intervals ignore it.
func (p *Parser) Parse(expression string, timezone string) (Schedule, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, errors.New("parse schedule: empty expression")
	}

	if d, err := time.ParseDuration(expression); err == nil {
		return Every(d)
	}

	sched, err := p.parser.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("parse cron: %w", err)
	}

	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}

	return &schedule{sched: sched, loc: loc}, nil
}

type Schedule interface {
	Next(after time.Time) time.Time
}

// Every returns a fixed-interval schedule. Intervals below one second are
// rejected.
func Every(d time.Duration) (Schedule, error) {
	if d < time.Second {
		return nil, fmt.Errorf("parse schedule: interval %s is below 1s", d)
	}
	return &schedule{sched: cron.Every(d), loc: time.UTC}, nil
}

type schedule struct {
	sched cron.Schedule
	loc   *time.Location
}

func (s *schedule) Next(after time.Time) time.Time {
	return s.sched.Next(after.In(s.loc))
}

// Package passthrough registers the "passthrough" student kind: it copies
// every record of its input artifacts into one partial output artifact and
// reports a single-stage cut-flow.
package passthrough

import (
	"context"
	"strings"

	"github.com/osvaldoandrade/batchsup/pkg/artifact"
	"github.com/osvaldoandrade/batchsup/pkg/domain"
	"github.com/osvaldoandrade/batchsup/pkg/student"
)

const Kind = "passthrough"

func init() {
	student.Register(Kind, New)
}

type passthrough struct {
	env    *student.Env
	out    *artifact.File
	keep   map[string]bool
	event  domain.Filter
	object domain.Filter
}

func New() student.Student {
	return &passthrough{}
}

func (p *passthrough) Begin(_ context.Context, env *student.Env) error {
	p.env = env
	p.out = artifact.New()
	p.event = domain.Filter{Name: "passthrough"}
	p.object = domain.Filter{Name: "series"}
	if v := env.Option("series", ""); v != "" {
		p.keep = map[string]bool{}
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				p.keep[name] = true
			}
		}
	}
	return nil
}

func (p *passthrough) Process(ctx context.Context, file string) error {
	in, err := artifact.Read(file)
	if err != nil {
		return err
	}
	for _, s := range in.Series {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.object.Total++
		p.event.Total += int64(len(s.Records))
		if p.keep != nil && !p.keep[s.Name] {
			continue
		}
		p.object.Passing++
		dst := p.out.Get(s.Name)
		for _, rec := range s.Records {
			dst.Append(rec)
		}
		p.event.Passing += int64(len(s.Records))
	}
	return nil
}

func (p *passthrough) End(context.Context) (*domain.ResultRecord, error) {
	path := p.env.OutputPath()
	if err := artifact.Write(path, p.out); err != nil {
		return nil, err
	}
	if p.env.Logger != nil {
		p.env.Logger.Info("wrote partial output", "path", path, "records", p.out.Len())
	}
	return &domain.ResultRecord{
		EventFilters:  domain.FilterList{p.event},
		ObjectFilters: domain.FilterList{p.object},
		OutputPath:    path,
	}, nil
}

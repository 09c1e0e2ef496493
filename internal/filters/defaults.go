package filters

import (
	"context"
	"time"

	"github.com/kellyson520/tg-forwarder/pkg/tmplx"
	"github.com/kellyson520/tg-forwarder/pkg/util"
)

const captionTTL = 30 * time.Second

// Deps are the collaborators shared by the built-in stages. Nil members
// disable the stages that need them.
type Deps struct {
	Settings MediaSettings
	Bus      Publisher
	Replies  ReplyIndex
}

// DefaultRegistry registers every built-in stage.
func DefaultRegistry(deps Deps) *Registry {
	var (
		captions  = util.NewTTLCache[string, string](10_000, captionTTL)
		matchers  = NewMatcherCache(4096)
		templates = util.NewTTLCache[string, *tmplx.Template](256, 0)
	)

	r := NewRegistry()
	r.MustRegister(StageInit, func() Filter { return &initFilter{captions: captions} })
	r.MustRegister(StageGlobal, func() Filter { return &globalFilter{settings: deps.Settings} })
	r.MustRegister(StageDelay, func() Filter { return delayFilter{} })
	r.MustRegister(StageKeyword, func() Filter { return &keywordFilter{matchers: matchers} })
	r.MustRegister(StageReplace, func() Filter { return replaceFilter{} })
	r.MustRegister(StageMedia, func() Filter { return mediaFilter{} })
	r.MustRegister(StageAdvancedMedia, func() Filter { return advancedMediaFilter{} })
	r.MustRegister(StageAI, func() Filter { return aiFilter{} })
	r.MustRegister(StageInfo, func() Filter { return &infoFilter{templates: templates} })
	r.MustRegister(StageCommentButton, func() Filter { return commentButtonFilter{} })
	r.MustRegister(StageRSS, func() Filter { return &rssFilter{bus: deps.Bus} })
	r.MustRegister(StageEdit, func() Filter { return editFilter{} })
	r.MustRegister(StageSender, func() Filter { return senderFilter{} })
	r.MustRegister(StageReply, func() Filter { return &replyFilter{index: deps.Replies} })
	r.MustRegister(StagePush, func() Filter { return pushFilter{} })
	r.MustRegister(StageDeleteOriginal, func() Filter { return deleteOriginalFilter{} })
	return r
}

// Evaluate runs the chain of fc.Rule over fc.
func (f *Factory) Evaluate(ctx context.Context, fc *Context) (bool, error) {
	return f.ChainFor(ctx, fc.Rule).Process(ctx, fc)
}

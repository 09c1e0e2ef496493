package sender

import (
	"fmt"
	"time"

	"github.com/maypok86/otter"

	"github.com/kellyson520/tg-forwarder/internal/models"
	"github.com/kellyson520/tg-forwarder/pkg/util"
)

const replyIndexTTL = 48 * time.Hour

// ReplyIndex maps source messages to the messages they became in the
// target chat of a rule, so replies can be threaded there too.
type ReplyIndex struct {
	cache otter.Cache[string, int64]
}

func NewReplyIndex(capacity int) *ReplyIndex {
	return &ReplyIndex{cache: util.NewTTLCache[string, int64](capacity, replyIndexTTL)}
}

func replyKey(ruleID, sourceChatID, sourceMsgID int64) string {
	return fmt.Sprintf("%d|%d|%d", ruleID, sourceChatID, sourceMsgID)
}

// Record pairs the source ids with the sent messages by position. When
// the counts differ every source id points at the first sent message.
func (r *ReplyIndex) Record(ruleID, sourceChatID int64, sourceIDs []int64, sent []*models.Message) {
	if len(sent) == 0 {
		return
	}
	for i, id := range sourceIDs {
		target := sent[0]
		if len(sent) == len(sourceIDs) {
			target = sent[i]
		}
		if target != nil {
			r.cache.Set(replyKey(ruleID, sourceChatID, id), target.ID)
		}
	}
}

func (r *ReplyIndex) Lookup(ruleID, sourceChatID, sourceMsgID int64) (int64, bool) {
	return r.cache.Get(replyKey(ruleID, sourceChatID, sourceMsgID))
}

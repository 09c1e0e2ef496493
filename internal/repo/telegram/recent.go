package telegram

import (
	"time"

	"github.com/maypok86/otter"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/kellyson520/tg-forwarder/internal/models"
	"github.com/kellyson520/tg-forwarder/pkg/util"
)

type msgKey struct {
	chat int64
	id   int64
}

// recentStore keeps the messages the bot has seen or sent, bounded by
// size and age.
type recentStore struct {
	msgs   otter.Cache[msgKey, *models.Message]
	latest *xsync.Map[int64, int64]
	size   int64
}

func newRecentStore(size int, ttl time.Duration) *recentStore {
	if size <= 0 {
		size = 10000
	}
	return &recentStore{
		msgs:   util.NewTTLCache[msgKey, *models.Message](size, ttl),
		latest: xsync.NewMap[int64, int64](),
		size:   int64(size),
	}
}

func (s *recentStore) put(msg *models.Message) {
	s.msgs.Set(msgKey{msg.ChatID, msg.ID}, msg)
	s.latest.Compute(msg.ChatID, func(old int64, loaded bool) (int64, xsync.ComputeOp) {
		if loaded && old >= msg.ID {
			return old, xsync.CancelOp
		}
		return msg.ID, xsync.UpdateOp
	})
}

func (s *recentStore) get(chat, id int64) *models.Message {
	msg, ok := s.msgs.Get(msgKey{chat, id})
	if !ok {
		return nil
	}
	return msg
}

func (s *recentStore) drop(chat, id int64) {
	s.msgs.Delete(msgKey{chat, id})
}

// bounds clamps an inclusive id range to what the store can hold. Zero
// means open ended.
func (s *recentStore) bounds(chat, minID, maxID int64) (int64, int64) {
	latest, _ := s.latest.Load(chat)
	hi := maxID
	if hi == 0 || hi > latest {
		hi = latest
	}
	lo := max(minID, hi-s.size+1, 1)
	return lo, hi
}

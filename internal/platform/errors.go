package platform

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/kellyson520/tg-forwarder/internal/models"
	"google.golang.org/grpc/codes"
)

// FloodWaitError is the platform's rate-limit signal.
type FloodWaitError struct {
	Seconds int
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("A wait of %d seconds is required", e.Seconds)
}

type Kind int

const (
	KindUnknown Kind = iota
	KindRateLimited
	KindTransient
	KindPermanentEntity
	KindPermission
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindTransient:
		return "transient"
	case KindPermanentEntity:
		return "permanent_entity"
	case KindPermission:
		return "permission"
	}
	return "unknown"
}

var secondsRe = regexp.MustCompile(`\b(\d+)\s*seconds?\b`)

// FloodWaitSeconds extracts the wait from a typed FloodWaitError or from
// an error text such as "A wait of 30 seconds is required".
func FloodWaitSeconds(err error) (int, bool) {
	if err == nil {
		return 0, false
	}
	var fw *FloodWaitError
	if errors.As(err, &fw) {
		return fw.Seconds, true
	}
	msg := strings.ToLower(err.Error())
	if !strings.Contains(msg, "wait") && !strings.Contains(msg, "flood") {
		return 0, false
	}
	m := secondsRe.FindStringSubmatch(msg)
	if m == nil {
		return 0, false
	}
	n, convErr := strconv.Atoi(m[1])
	if convErr != nil {
		return 0, false
	}
	return n, true
}

var (
	permanentMarkers = []string{
		"chat not found", "user not found", "peer_id_invalid", "chat_id_invalid",
		"channel_invalid", "deleted account", "user is deactivated", "bot was kicked",
		"input_user_deactivated",
	}
	permissionMarkers = []string{
		"forbidden", "access denied", "access_denied", "not enough rights",
		"chat_write_forbidden", "chat_admin_required",
	}
	transientMarkers = []string{
		"timeout", "timed out", "connection reset", "connection refused", "eof",
		"network", "bad gateway", "service unavailable", "internal server error",
		"temporarily", "database is locked", "busy",
	}
)

// Classify maps err onto the error taxonomy of the forwarding core.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if _, ok := FloodWaitSeconds(err); ok {
		return KindRateLimited
	}
	if models.IsPermanent(err) {
		return KindPermanentEntity
	}
	if models.IsTransient(err) {
		return KindTransient
	}
	switch models.Code(err) {
	case codes.ResourceExhausted:
		return KindRateLimited
	case codes.FailedPrecondition:
		return KindPermanentEntity
	case codes.PermissionDenied:
		return KindPermission
	case codes.Unavailable, codes.DeadlineExceeded:
		return KindTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, permanentMarkers):
		return KindPermanentEntity
	case containsAny(msg, permissionMarkers):
		return KindPermission
	case containsAny(msg, transientMarkers):
		return KindTransient
	}
	return KindUnknown
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

package util

import (
	"math/rand/v2"
	"time"

	"github.com/go-resty/resty/v2"
	json "github.com/goccy/go-json"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/kellyson520/tg-forwarder/pkg/logx"
)

const UserAgent = "tg-forwarder"

func ConvertList[A any, B any](listA []A, convert func(A) B) []B {
	listB := make([]B, len(listA))
	for i, a := range listA {
		listB[i] = convert(a)
	}

	return listB
}

// restyLogger sends resty's own chatter to the debug log.
type restyLogger struct{}

func (restyLogger) Errorf(format string, v ...any) { logx.Named("http").Warnf(format, v...) }
func (restyLogger) Warnf(format string, v ...any)  { logx.Named("http").Debugf(format, v...) }
func (restyLogger) Debugf(format string, v ...any) { logx.Named("http").Debugf(format, v...) }

// NewRestyClient returns a JSON client that retries transport errors and
// the statuses go-retryablehttp considers transient.
func NewRestyClient() *resty.Client {
	c := resty.
		New().
		SetRetryCount(3).
		SetRetryWaitTime(200*time.Millisecond).
		SetRetryMaxWaitTime(5*time.Second).
		SetLogger(restyLogger{}).
		SetTimeout(10*time.Second).
		SetHeader("User-Agent", UserAgent).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			retry, _ := retryablehttp.DefaultRetryPolicy(r.Request.Context(), r.RawResponse, err)
			return retry
		})
	c.JSONMarshal = json.Marshal
	c.JSONUnmarshal = json.Unmarshal
	return c
}

// Ptr returns pointer of any value.
func Ptr[T any](t T) *T {
	return &t
}

// Jitter scales d by a uniform factor in [lo, hi).
func Jitter(d time.Duration, lo, hi float64) time.Duration {
	return time.Duration(float64(d) * (lo + rand.Float64()*(hi-lo)))
}

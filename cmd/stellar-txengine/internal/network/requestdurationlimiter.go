package network

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stellar/go/support/log"
)

const RequestDurationLimitNoLimit = time.Duration(0)

type httpRequestDurationLimiter struct {
	httpDownstreamHandler http.Handler
	limitThreshold        time.Duration
	limitCounter          prometheus.Counter
	logger                *log.Entry
}

// MakeHTTPRequestDurationLimiter answers with 504 once a request has been
// running for limitThreshold. The downstream handler sees a cancelled
// context; whatever it writes afterwards is dropped.
func MakeHTTPRequestDurationLimiter(
	downstream http.Handler,
	limitThreshold time.Duration,
	limitCounter prometheus.Counter,
	logger *log.Entry,
) *httpRequestDurationLimiter {
	return &httpRequestDurationLimiter{
		httpDownstreamHandler: downstream,
		limitThreshold:        limitThreshold,
		limitCounter:          limitCounter,
		logger:                logger,
	}
}

// bufferedResponseWriter holds a downstream response until it is known to
// have completed in time.
type bufferedResponseWriter struct {
	header     http.Header
	buffer     bytes.Buffer
	statusCode int
}

func makeBufferedResponseWriter(rw http.ResponseWriter) *bufferedResponseWriter {
	header := rw.Header()
	bw := &bufferedResponseWriter{
		header: make(http.Header),
	}
	for k, v := range header {
		bw.header[k] = v
	}
	return bw
}

func (w *bufferedResponseWriter) Header() http.Header {
	return w.header
}

func (w *bufferedResponseWriter) Write(buf []byte) (int, error) {
	return w.buffer.Write(buf)
}

func (w *bufferedResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
}

func (w *bufferedResponseWriter) WriteOut(ctx context.Context, rw http.ResponseWriter) {
	// update the headers map.
	headers := rw.Header()
	for k := range headers {
		delete(headers, k)
	}
	for k, v := range w.header {
		headers[k] = v
	}

	if w.statusCode != 0 {
		rw.WriteHeader(w.statusCode)
	}
	if w.buffer.Len() > 0 && ctx.Err() == nil {
		// the following return size/error won't help us much at this point. The request is already finalized.
		rw.Write(w.buffer.Bytes()) //nolint:errcheck
	}
}

func (q *httpRequestDurationLimiter) ServeHTTP(res http.ResponseWriter, req *http.Request) {
	if q.limitThreshold == RequestDurationLimitNoLimit {
		// if specified max duration is zero, then don't enforce any limit
		q.httpDownstreamHandler.ServeHTTP(res, req)
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), q.limitThreshold)
	defer cancel()

	requestCompleted := make(chan struct{})
	responseBuffer := makeBufferedResponseWriter(res)
	go func() {
		defer close(requestCompleted)
		q.httpDownstreamHandler.ServeHTTP(responseBuffer, req.WithContext(ctx))
	}()

	select {
	case <-requestCompleted:
		responseBuffer.WriteOut(req.Context(), res)
	case <-ctx.Done():
		if q.limitCounter != nil {
			q.limitCounter.Inc()
		}
		if q.logger != nil {
			q.logger.Infof("Request processing for %s exceed limiting threshold of %v", req.URL.String(), q.limitThreshold)
		}
		if req.Context().Err() == nil {
			res.WriteHeader(http.StatusGatewayTimeout)
		}
	}
}

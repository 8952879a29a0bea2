package methods

import (
	"errors"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/handler"
	"github.com/stellar/go/xdr"

	"github.com/stellar/stellar-txengine/cmd/stellar-txengine/internal/txbridge"
)

func NewHandler(fn any) jrpc2.Handler {
	fi, err := handler.Check(fn)
	if err != nil {
		panic(err)
	}
	// explicitly disable array arguments since otherwise we cannot add
	// new method arguments without breaking backwards compatibility with clients
	fi.AllowArray(false)
	return fi.Wrap()
}

// decodeEnvelope parses a base64 envelope parameter, reporting malformed
// input as invalid parameters.
func decodeEnvelope(b64 string) (xdr.TransactionEnvelope, error) {
	env, err := txbridge.Decode(b64)
	if err != nil {
		return env, &jrpc2.Error{
			Code:    jrpc2.InvalidParams,
			Message: err.Error(),
		}
	}
	return env, nil
}

// frameError converts an error returned while building or validating a frame.
func frameError(err error) error {
	if errors.Is(err, txbridge.ErrMalformedEnvelope) {
		return &jrpc2.Error{
			Code:    jrpc2.InvalidParams,
			Message: err.Error(),
		}
	}
	return &jrpc2.Error{
		Code:    jrpc2.InternalError,
		Message: err.Error(),
	}
}

// Package pocketbase adapts the payment gateway's X402 middleware to
// PocketBase route hooks. It is a thin translation layer; verification,
// ledger and settlement logic live in the http package.
package pocketbase

import (
	"math/big"
	"net/http"

	"github.com/pocketbase/pocketbase/core"

	sub402 "github.com/sub402/sub402-go"
	httpx "github.com/sub402/sub402-go/http"
)

// ContextKey is where the verified payment header is stored on the request
// event.
const ContextKey = "sub402_payment"

// RequirePayment wraps Gateway.RequirePayment as a PocketBase route
// middleware. Requests without a valid payment header for the given price
// receive the 402 challenge; admitted requests carry the verified header
// under ContextKey and get a settlement receipt attached to the response.
//
//	app.OnServe().BindFunc(func(se *core.ServeEvent) error {
//		se.Router.GET("/premium", func(e *core.RequestEvent) error {
//			header, _ := sub402pb.PaymentFromEvent(e)
//			return e.JSON(200, map[string]any{"payer": header.From})
//		}).BindFunc(sub402pb.RequirePayment(gateway, big.NewInt(100), "native", "premium.read"))
//		return se.Next()
//	})
func RequirePayment(gateway *httpx.Gateway, amount *big.Int, token, action string) func(*core.RequestEvent) error {
	wrap := gateway.RequirePayment(amount, token, action)
	return func(e *core.RequestEvent) error {
		var nextErr error
		admitted := false
		wrapped := wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			admitted = true
			if header, ok := httpx.PaymentFromContext(r.Context()); ok {
				e.Set(ContextKey, header)
			}
			// Downstream writes go through the settlement interceptor.
			restore := e.Response
			e.Response = w
			e.Request = r
			nextErr = e.Next()
			e.Response = restore
		}))
		wrapped.ServeHTTP(e.Response, e.Request)
		if !admitted {
			// The gateway already wrote the challenge or error response.
			return nil
		}
		return nextErr
	}
}

// PaymentFromEvent returns the verified payment header RequirePayment stored
// on the event.
func PaymentFromEvent(e *core.RequestEvent) (*sub402.PaymentHeader, bool) {
	header, ok := e.Get(ContextKey).(*sub402.PaymentHeader)
	return header, ok
}

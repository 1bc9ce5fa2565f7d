// Package gin adapts the payment gateway's X402 middleware to Gin. It is a
// thin translation layer; verification, ledger and settlement logic live in
// the http package.
package gin

import (
	"math/big"
	"net/http"

	"github.com/gin-gonic/gin"

	httpx "github.com/sub402/sub402-go/http"
)

// ContextKey is where the verified payment header is stored in the Gin
// context.
const ContextKey = "sub402_payment"

// RequirePayment wraps Gateway.RequirePayment as a Gin middleware. Requests
// without a valid payment header for the given price are aborted with the
// 402 challenge; admitted requests carry the verified header under
// ContextKey and get a settlement receipt attached to the response.
//
//	r := gin.Default()
//	r.Use(sub402gin.RequirePayment(gateway, big.NewInt(100), "native", "premium.read"))
//	r.GET("/premium", func(c *gin.Context) {
//	    header := c.MustGet(sub402gin.ContextKey).(*sub402.PaymentHeader)
//	    c.JSON(200, gin.H{"payer": header.From})
//	})
func RequirePayment(gateway *httpx.Gateway, amount *big.Int, token, action string) gin.HandlerFunc {
	wrap := gateway.RequirePayment(amount, token, action)
	return func(c *gin.Context) {
		admitted := false
		wrapped := wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			admitted = true
			if header, ok := httpx.PaymentFromContext(r.Context()); ok {
				c.Set(ContextKey, header)
			}
			c.Request = r
			c.Writer = &responseWriter{ResponseWriter: c.Writer, inner: w}
			c.Next()
		}))
		wrapped.ServeHTTP(c.Writer, c.Request)
		if !admitted {
			c.Abort()
		}
	}
}

// responseWriter routes writes through the gateway's settlement interceptor
// while keeping Gin's bookkeeping interface satisfied.
type responseWriter struct {
	gin.ResponseWriter
	inner http.ResponseWriter
}

func (w *responseWriter) WriteHeader(status int) {
	w.inner.WriteHeader(status)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	return w.inner.Write(b)
}

func (w *responseWriter) WriteString(s string) (int, error) {
	return w.inner.Write([]byte(s))
}

package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/agentpay/spendguard"
	"github.com/agentpay/spendguard/engine"
	"github.com/agentpay/spendguard/l402"
)

type payInvoiceRequest struct {
	Invoice    string `json:"invoice"`
	MaxFeeSats int64  `json:"maxFeeSats"`
}

type transferRequest struct {
	Address    string `json:"address"`
	AmountSats int64  `json:"amountSats"`
}

func bind(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		abortWithError(c, spendguard.WrapError(spendguard.KindInvalidRequest, "malformed request body", err))
		return false
	}
	return true
}

func (s *Server) health(c *gin.Context) {
	if s.cfg.healthCheck != nil {
		if err := s.cfg.healthCheck(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) payInvoice(c *gin.Context) {
	var req payInvoiceRequest
	if !bind(c, &req) {
		return
	}
	receipt, err := s.svc.PayInvoice(c.Request.Context(), callerOf(c), req.Invoice, req.MaxFeeSats)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(receiptStatus(receipt.Status), receipt)
}

func (s *Server) paymentStatus(c *gin.Context) {
	state, err := s.svc.PaymentStatus(c.Request.Context(), callerOf(c), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (s *Server) sendTransfer(c *gin.Context) {
	var req transferRequest
	if !bind(c, &req) {
		return
	}
	receipt, err := s.svc.SendTransfer(c.Request.Context(), callerOf(c), req.Address, req.AmountSats)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(receiptStatus(receipt.Status), receipt)
}

func (s *Server) fetch(c *gin.Context) {
	var req l402.Request
	if !bind(c, &req) {
		return
	}
	res, err := s.svc.Fetch(c.Request.Context(), callerOf(c), req)
	s.writeFetch(c, res, err)
}

func (s *Server) fetchStatus(c *gin.Context) {
	res, err := s.svc.FetchStatus(c.Request.Context(), callerOf(c), c.Param("reference"))
	s.writeFetch(c, res, err)
}

// writeFetch reports a paywall outcome. A payment that went through but
// whose replay failed carries both a result and an error; both are sent.
func (s *Server) writeFetch(c *gin.Context, res *l402.Result, err error) {
	if err != nil {
		status, body := errorBody(err)
		if res != nil {
			body["result"] = res
		}
		c.AbortWithStatusJSON(status, body)
		return
	}
	status := http.StatusOK
	if res.Status == l402.StatusPending {
		status = http.StatusAccepted
	}
	c.JSON(status, res)
}

func (s *Server) createInvoice(c *gin.Context) {
	var req spendguard.InvoiceRequest
	if !bind(c, &req) {
		return
	}
	inv, err := s.svc.CreateInvoice(c.Request.Context(), callerOf(c), req)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, inv)
}

func (s *Server) listInvoices(c *gin.Context) {
	list, err := s.svc.ListInvoices(c.Request.Context(), callerOf(c))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invoices": list})
}

func (s *Server) balance(c *gin.Context) {
	b, err := s.svc.Balance(c.Request.Context(), callerOf(c))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (s *Server) activity(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			abortWithError(c, spendguard.Errorf(spendguard.KindInvalidRequest, "invalid limit %q", raw))
			return
		}
		limit = n
	}
	entries, err := s.svc.Activity(c.Request.Context(), callerOf(c), limit, c.Query("agent"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (s *Server) budgetStatus(c *gin.Context) {
	status, err := s.svc.BudgetStatus(c.Request.Context(), callerOf(c))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) resetBudget(c *gin.Context) {
	if err := s.svc.ResetBudget(c.Request.Context(), callerOf(c), c.Param("id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func receiptStatus(status string) int {
	if status == engine.StatusPending {
		return http.StatusAccepted
	}
	return http.StatusOK
}

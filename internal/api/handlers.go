package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"compliance-guardian/internal/guardian"
	"compliance-guardian/internal/version"
)

type authorizeRequest struct {
	User     common.Address  `json:"user"`
	Amount   decimal.Decimal `json:"amount"`
	Deadline time.Time       `json:"deadline"`
	Ticket   common.Hash     `json:"ticket"`
}

type executeRequest struct {
	User   common.Address  `json:"user"`
	Amount decimal.Decimal `json:"amount"`
	Ticket common.Hash     `json:"ticket"`
}

type priceRequest struct {
	NewPrice decimal.Decimal `json:"new_price"`
	OldPrice decimal.Decimal `json:"old_price"`
}

type suspiciousRequest struct {
	ActivityType string `json:"activity_type" binding:"required"`
	Severity     uint8  `json:"severity"`
}

type balanceRequest struct {
	Balance decimal.Decimal `json:"balance"`
}

type capRequest struct {
	MaxNegative decimal.Decimal `json:"max_negative"`
}

type resolveRequest struct {
	Note string `json:"note"`
}

type trustedRequest struct {
	Trusted bool `json:"trusted"`
}

type lawRequest struct {
	Enabled       *bool  `json:"enabled"`
	DefaultAction string `json:"default_action"`
}

type violationView struct {
	ID             uint64          `json:"id"`
	Law            string          `json:"law"`
	Severity       string          `json:"severity"`
	Violator       string          `json:"violator"`
	Amount         decimal.Decimal `json:"amount"`
	Fingerprint    string          `json:"fingerprint"`
	Timestamp      time.Time       `json:"timestamp"`
	Description    string          `json:"description"`
	Action         string          `json:"action"`
	Resolved       bool            `json:"resolved"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty"`
	ResolvedBy     string          `json:"resolved_by,omitempty"`
	ResolutionNote string          `json:"resolution_note,omitempty"`
}

type metricsView struct {
	TotalViolations    uint64     `json:"total_violations"`
	ResolvedViolations uint64     `json:"resolved_violations"`
	ActiveViolations   uint64     `json:"active_violations"`
	CriticalViolations uint64     `json:"critical_violations"`
	Score              uint8      `json:"score"`
	Compliant          bool       `json:"compliant"`
	LastCheck          *time.Time `json:"last_check,omitempty"`
}

type complianceView struct {
	metricsView
	EmergencyMode      bool            `json:"emergency_mode"`
	FundsFrozen        bool            `json:"funds_frozen"`
	BalanceEmergency   bool            `json:"balance_emergency"`
	EnforcementEnabled bool            `json:"enforcement_enabled"`
	TotalAuthorized    decimal.Decimal `json:"total_authorized"`
	TotalNegative      decimal.Decimal `json:"total_negative"`
}

func newViolationView(v guardian.Violation) violationView {
	view := violationView{
		ID:             v.ID,
		Law:            v.Law.String(),
		Severity:       v.Severity.String(),
		Violator:       v.Violator.Hex(),
		Amount:         v.Amount,
		Fingerprint:    v.Fingerprint.Hex(),
		Timestamp:      v.Timestamp,
		Description:    v.Description,
		Action:         v.Action.String(),
		Resolved:       v.Resolved,
		ResolutionNote: v.ResolutionNote,
	}
	if v.Resolved {
		at := v.ResolvedAt
		view.ResolvedAt = &at
		view.ResolvedBy = v.ResolvedBy.Hex()
	}
	return view
}

func newMetricsView(m guardian.Metrics) metricsView {
	view := metricsView{
		TotalViolations:    m.TotalViolations,
		ResolvedViolations: m.ResolvedViolations,
		ActiveViolations:   m.ActiveViolations,
		CriticalViolations: m.CriticalViolations,
		Score:              m.Score,
		Compliant:          m.Compliant,
	}
	if !m.LastCheck.IsZero() {
		at := m.LastCheck
		view.LastCheck = &at
	}
	return view
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func addressParam(c *gin.Context, name string) (common.Address, bool) {
	raw := c.Param(name)
	if !common.IsHexAddress(raw) {
		badRequest(c, fmt.Errorf("%s: %q is not an address", name, raw))
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func (s *Server) healthz(c *gin.Context) {
	flags := s.guardian.EmergencyFlags()
	c.JSON(http.StatusOK, gin.H{
		"status":            "ok",
		"build":             version.Current(),
		"emergency_mode":    flags.EmergencyMode,
		"funds_frozen":      flags.FundsFrozen,
		"balance_emergency": flags.BalanceEmergency,
	})
}

func (s *Server) authorizeSettlement(c *gin.Context) {
	var req authorizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.guardian.AuthorizeSettlement(c.Request.Context(), req.User, req.Amount, req.Deadline, req.Ticket); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"authorized": true, "ticket": req.Ticket.Hex()})
}

func (s *Server) executeSettlement(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.guardian.ExecuteSettlement(c.Request.Context(), req.User, req.Amount, req.Ticket); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executed": true, "ticket": req.Ticket.Hex()})
}

func (s *Server) fundsStatus(c *gin.Context) {
	user, ok := addressParam(c, "user")
	if !ok {
		return
	}
	st := s.guardian.GetUserFundsStatus(user)
	c.JSON(http.StatusOK, gin.H{
		"user":       st.User.Hex(),
		"authorized": st.Authorized,
		"deadline":   optionalTime(st.Deadline),
		"frozen":     st.Frozen,
	})
}

func (s *Server) checkFunds(c *gin.Context) {
	user, ok := addressParam(c, "user")
	if !ok {
		return
	}
	amount, err := decimal.NewFromString(c.Query("amount"))
	if err != nil {
		badRequest(c, fmt.Errorf("amount: %w", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"authorized": s.guardian.CheckFundsAuthorization(user, amount)})
}

func (s *Server) monitorPrice(c *gin.Context) {
	var req priceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	market := c.Param("market")
	if err := s.guardian.MonitorPriceUpdate(c.Request.Context(), market, req.NewPrice, req.OldPrice); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.marketView(market))
}

func (s *Server) reportSuspicious(c *gin.Context) {
	var req suspiciousRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	market := c.Param("market")
	if err := s.guardian.ReportSuspiciousActivity(c.Request.Context(), market, req.ActivityType, req.Severity); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.marketView(market))
}

func (s *Server) marketStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.marketView(c.Param("market")))
}

func (s *Server) marketView(market string) gin.H {
	st := s.guardian.GetMarketStatus(market)
	return gin.H{
		"market":           st.Market,
		"last_valid_price": st.LastValidPrice,
		"update_count":     st.UpdateCount,
		"suspicious_count": st.SuspiciousCount,
		"last_update":      optionalTime(st.LastUpdate),
	}
}

func (s *Server) checkBalance(c *gin.Context) {
	user, ok := addressParam(c, "user")
	if !ok {
		return
	}
	var req balanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.guardian.CheckBalance(c.Request.Context(), user, req.Balance); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.balanceView(user))
}

func (s *Server) setBalanceCap(c *gin.Context) {
	user, ok := addressParam(c, "user")
	if !ok {
		return
	}
	var req capRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.guardian.SetMaxNegativeBalance(c.Request.Context(), user, req.MaxNegative); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.balanceView(user))
}

func (s *Server) balanceStatus(c *gin.Context) {
	user, ok := addressParam(c, "user")
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.balanceView(user))
}

func (s *Server) balanceView(user common.Address) gin.H {
	st := s.guardian.GetUserBalanceStatus(user)
	return gin.H{
		"user":           st.User.Hex(),
		"balance":        st.Balance,
		"negative_since": optionalTime(st.NegativeSince),
		"max_negative":   st.MaxNegative,
		"emergency":      st.Emergency,
	}
}

func (s *Server) listViolations(c *gin.Context) {
	if open := c.DefaultQuery("open", "true"); open != "true" {
		badRequest(c, errors.New("only open=true is supported"))
		return
	}
	open := s.guardian.ListOpenViolations()
	views := make([]violationView, 0, len(open))
	for _, v := range open {
		views = append(views, newViolationView(v))
	}
	c.JSON(http.StatusOK, gin.H{"violations": views})
}

func (s *Server) getViolation(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, fmt.Errorf("id: %w", err))
		return
	}
	v, err := s.guardian.GetViolation(id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newViolationView(v))
}

func (s *Server) resolveViolation(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, fmt.Errorf("id: %w", err))
		return
	}
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.guardian.ResolveViolation(c.Request.Context(), id, req.Note); err != nil {
		writeError(c, err)
		return
	}
	v, err := s.guardian.GetViolation(id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newViolationView(v))
}

func (s *Server) complianceStatus(c *gin.Context) {
	st := s.guardian.GetComplianceStatus()
	c.JSON(http.StatusOK, complianceView{
		metricsView:        newMetricsView(st.Metrics),
		EmergencyMode:      st.EmergencyMode,
		FundsFrozen:        st.FundsFrozen,
		BalanceEmergency:   st.BalanceEmergency,
		EnforcementEnabled: st.EnforcementEnabled,
		TotalAuthorized:    st.TotalAuthorized,
		TotalNegative:      st.TotalNegative,
	})
}

func (s *Server) complianceCheck(c *gin.Context) {
	m, err := s.guardian.PerformComplianceCheck(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newMetricsView(m))
}

func (s *Server) setTrusted(c *gin.Context) {
	addr, ok := addressParam(c, "address")
	if !ok {
		return
	}
	var req trustedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.guardian.SetTrustedContract(c.Request.Context(), addr, req.Trusted); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": addr.Hex(), "trusted": req.Trusted})
}

func (s *Server) grantRole(c *gin.Context) {
	s.changeRole(c, true)
}

func (s *Server) revokeRole(c *gin.Context) {
	s.changeRole(c, false)
}

func (s *Server) changeRole(c *gin.Context, grant bool) {
	role, err := guardian.ParseRole(c.Param("role"))
	if err != nil {
		badRequest(c, err)
		return
	}
	addr, ok := addressParam(c, "address")
	if !ok {
		return
	}
	if grant {
		err = s.guardian.GrantRole(c.Request.Context(), role, addr)
	} else {
		err = s.guardian.RevokeRole(c.Request.Context(), role, addr)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"role": string(role), "address": addr.Hex(), "member": grant})
}

func (s *Server) setLaw(c *gin.Context) {
	law, err := guardian.ParseLaw(c.Param("law"))
	if err != nil {
		badRequest(c, err)
		return
	}
	var req lawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.Enabled == nil && req.DefaultAction == "" {
		badRequest(c, errors.New("enabled or default_action is required"))
		return
	}

	var action guardian.Action
	if req.DefaultAction != "" {
		if action, err = guardian.ParseAction(req.DefaultAction); err != nil {
			badRequest(c, err)
			return
		}
	}

	ctx := c.Request.Context()
	if req.DefaultAction != "" {
		if err := s.guardian.SetDefaultAction(ctx, law, action); err != nil {
			writeError(c, err)
			return
		}
	}
	if req.Enabled != nil {
		if err := s.guardian.SetLawEnforcement(ctx, law, *req.Enabled); err != nil {
			writeError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"law": law.String()})
}

func (s *Server) disableEnforcement(c *gin.Context) {
	if err := s.guardian.EmergencyDisableEnforcement(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enforcement_enabled": false})
}

func (s *Server) restoreEnforcement(c *gin.Context) {
	if err := s.guardian.RestoreEnforcement(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enforcement_enabled": true})
}

func (s *Server) clearEmergency(c *gin.Context) {
	if err := s.guardian.ClearEmergencyMode(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"emergency_mode": false})
}

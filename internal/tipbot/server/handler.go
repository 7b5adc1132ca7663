package server

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"tipbot.com/internal/tipbot/domain"
	"tipbot.com/pkg/common"
	"tipbot.com/pkg/logger"
	"tipbot.com/pkg/metrics"
	"tipbot.com/pkg/orm"
	"tipbot.com/pkg/ratelimit"
	"tipbot.com/pkg/xerr"
)

type handler struct {
	svc       Services
	cooldowns *ratelimit.Store
	service   string
}

type touchReq struct {
	ChatID   int64  `json:"chat_id" binding:"required"`
	Username string `json:"username"`
}

type tipReq struct {
	From    int64  `json:"from" binding:"required"`
	To      int64  `json:"to" binding:"required"`
	GroupID int64  `json:"group_id"`
	Coin    string `json:"coin" binding:"required"`
	Amount  string `json:"amount" binding:"required"`
}

type rainReq struct {
	From       int64   `json:"from" binding:"required"`
	GroupID    int64   `json:"group_id"`
	Coin       string  `json:"coin" binding:"required"`
	Amount     string  `json:"amount" binding:"required"`
	Recipients []int64 `json:"recipients"`
}

type withdrawReq struct {
	UserID  int64  `json:"user_id" binding:"required"`
	Coin    string `json:"coin" binding:"required"`
	Amount  string `json:"amount" binding:"required"`
	Address string `json:"address" binding:"required"`
}

type campaignReq struct {
	Creator    int64  `json:"creator" binding:"required"`
	GroupID    int64  `json:"group_id"`
	Coin       string `json:"coin" binding:"required"`
	Amount     string `json:"amount" binding:"required"`
	Minutes    int    `json:"minutes" binding:"required"`
	MessageRef string `json:"message_ref"`
}

type joinReq struct {
	UserID int64 `json:"user_id" binding:"required"`
}

type cancelReq struct {
	Reason string `json:"reason"`
}

func (h *handler) touch(c *gin.Context) {
	var req touchReq
	if !bind(c, &req) {
		return
	}
	u, err := h.svc.Users.Touch(c.Request.Context(), req.ChatID, req.Username)
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.Success(c, u)
}

func (h *handler) balances(c *gin.Context) {
	id, ok := int64Param(c, "id")
	if !ok {
		return
	}
	list, err := h.svc.Ledger.ListBalances(c.Request.Context(), id)
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.Success(c, list)
}

func (h *handler) addresses(c *gin.Context) {
	id, ok := int64Param(c, "id")
	if !ok {
		return
	}
	list, err := h.svc.Directory.ListAddresses(c.Request.Context(), id)
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.Success(c, list)
}

// address 没有就现场向节点要一个
func (h *handler) address(c *gin.Context) {
	id, ok := int64Param(c, "id")
	if !ok {
		return
	}
	addr, err := h.svc.Directory.GetOrCreateAddress(c.Request.Context(), id, c.Param("coin"))
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.Success(c, gin.H{"coin": c.Param("coin"), "address": addr})
}

func (h *handler) transactions(c *gin.Context) {
	id, ok := int64Param(c, "id")
	if !ok {
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	page, limit = orm.NormalizePage(page, limit)
	list, total, err := h.svc.Ledger.History(c.Request.Context(), id, page, limit)
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.Paged(c, list, total, page, limit)
}

func (h *handler) tip(c *gin.Context) {
	var req tipReq
	if !bind(c, &req) || !h.cooldown(c, req.From, req.GroupID, "tip") {
		return
	}
	amount, err := domain.ParseAmount(req.Amount)
	if err != nil {
		common.FailErr(c, err)
		return
	}
	row, err := h.svc.Transfer.Tip(c.Request.Context(), req.From, req.To, req.Coin, amount)
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.Success(c, row)
}

func (h *handler) rain(c *gin.Context) {
	var req rainReq
	if !bind(c, &req) || !h.cooldown(c, req.From, req.GroupID, "rain") {
		return
	}
	amount, err := domain.ParseAmount(req.Amount)
	if err != nil {
		common.FailErr(c, err)
		return
	}
	res, err := h.svc.Transfer.Rain(c.Request.Context(), req.From, req.Coin, amount)
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.Success(c, res)
}

// distribute 指定名单平分
func (h *handler) distribute(c *gin.Context) {
	var req rainReq
	if !bind(c, &req) || !h.cooldown(c, req.From, req.GroupID, "distribute") {
		return
	}
	amount, err := domain.ParseAmount(req.Amount)
	if err != nil {
		common.FailErr(c, err)
		return
	}
	res, err := h.svc.Transfer.Distribute(c.Request.Context(), req.From, req.Coin, amount, req.Recipients)
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.Success(c, res)
}

func (h *handler) withdraw(c *gin.Context) {
	var req withdrawReq
	if !bind(c, &req) {
		return
	}
	amount, err := domain.ParseAmount(req.Amount)
	if err != nil {
		common.FailErr(c, err)
		return
	}
	res, err := h.svc.Withdraw.Withdraw(c.Request.Context(), req.UserID, req.Coin, amount, req.Address)
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.Success(c, res)
}

func (h *handler) createCampaign(c *gin.Context) {
	var req campaignReq
	if !bind(c, &req) || !h.cooldown(c, req.Creator, req.GroupID, "campaign") {
		return
	}
	amount, err := domain.ParseAmount(req.Amount)
	if err != nil {
		common.FailErr(c, err)
		return
	}
	camp, err := h.svc.Campaigns.Create(c.Request.Context(), req.Creator, req.GroupID, req.Coin, amount,
		time.Duration(req.Minutes)*time.Minute, req.MessageRef)
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.Success(c, camp)
}

func (h *handler) getCampaign(c *gin.Context) {
	id, ok := int64Param(c, "id")
	if !ok {
		return
	}
	camp, err := h.svc.Campaigns.Get(c.Request.Context(), id)
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.Success(c, camp)
}

func (h *handler) joinCampaign(c *gin.Context) {
	id, ok := int64Param(c, "id")
	if !ok {
		return
	}
	var req joinReq
	if !bind(c, &req) {
		return
	}
	joined, err := h.svc.Campaigns.Join(c.Request.Context(), id, req.UserID)
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.Success(c, gin.H{"joined": joined})
}

func (h *handler) resync(c *gin.Context) {
	coin := c.Param("coin")
	if err := h.svc.Monitor.ForceResync(c.Request.Context(), coin); err != nil {
		common.FailErr(c, err)
		return
	}
	logger.Info(c.Request.Context(), "admin resync done", zap.String("coin", coin))
	common.Success(c, gin.H{"coin": coin})
}

func (h *handler) syncStatus(c *gin.Context) {
	list, err := h.svc.Monitor.Status(c.Request.Context())
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.Success(c, list)
}

func (h *handler) refresh(c *gin.Context) {
	id, ok := int64Param(c, "id")
	if !ok {
		return
	}
	bal, err := h.svc.Monitor.RefreshUser(c.Request.Context(), id, c.Param("coin"))
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.Success(c, bal)
}

func (h *handler) stats(c *gin.Context) {
	s, err := h.svc.Stats.Get(c.Request.Context())
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.Success(c, s)
}

func (h *handler) completeCampaign(c *gin.Context) {
	id, ok := int64Param(c, "id")
	if !ok {
		return
	}
	status, err := h.svc.Campaigns.CompleteNow(c.Request.Context(), id)
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.Success(c, gin.H{"id": id, "status": status})
}

func (h *handler) cancelCampaign(c *gin.Context) {
	id, ok := int64Param(c, "id")
	if !ok {
		return
	}
	var req cancelReq
	// body 可以为空
	_ = c.ShouldBindJSON(&req)
	if err := h.svc.Campaigns.Cancel(c.Request.Context(), id, req.Reason); err != nil {
		common.FailErr(c, err)
		return
	}
	common.Success(c, gin.H{"id": id, "status": domain.CampaignCancelled})
}

// cooldown 同一个人在同一个群里同一个指令，冷却期内只放行一次
func (h *handler) cooldown(c *gin.Context, userID, groupID int64, cmd string) bool {
	key := fmt.Sprintf("%d:%d:%s", userID, groupID, cmd)
	ok, wait := h.cooldowns.Try(key)
	if ok {
		return true
	}
	metrics.RateLimitBlockTotal.WithLabelValues(h.service, c.FullPath(), "cooldown").Inc()
	common.FailErr(c, xerr.Newf(xerr.RateLimited, "please wait %s before using %s again", wait.Round(time.Second), cmd))
	return false
}

func bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		common.FailErr(c, xerr.Wrap(err, xerr.RequestParamsError, "invalid request"))
		return false
	}
	return true
}

func int64Param(c *gin.Context, name string) (int64, bool) {
	v, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || v <= 0 {
		common.FailErr(c, xerr.Newf(xerr.RequestParamsError, "invalid %s", name))
		return 0, false
	}
	return v, true
}

package handler_test

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dirtysecretai/multiverse-mouse-sub003/internal/model"
	"github.com/dirtysecretai/multiverse-mouse-sub003/internal/service"
)

func TestAdmin_RequiresAdminRole(t *testing.T) {
	v := newEnv(t)
	customer := v.token(t, 7, model.RoleCustomer)

	assert.Equal(t, http.StatusUnauthorized, v.do(http.MethodGet, "/v1/admin/queue", "", "").Code)
	assert.Equal(t, http.StatusForbidden, v.do(http.MethodGet, "/v1/admin/queue", "", customer).Code)
	assert.Equal(t, http.StatusForbidden, v.do(http.MethodPost, "/v1/admin/tickets/7/grant", `{"amount":5}`, customer).Code)
}

func TestAdmin_Limits(t *testing.T) {
	v := newEnv(t)
	admin := v.token(t, 1, model.RoleAdmin)

	rec := v.do(http.MethodPut, "/v1/admin/limits/veo-3.1", `{"max_concurrent":1}`, admin)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	l := decode[model.ConcurrencyLimit](t, rec)
	assert.Equal(t, model.ModelTypeVideo, l.ModelType)
	assert.Equal(t, 1, l.MaxConcurrent)

	assert.Equal(t, http.StatusBadRequest, v.do(http.MethodPut, "/v1/admin/limits/veo-3.1", `{"max_concurrent":0}`, admin).Code)
	assert.Equal(t, http.StatusBadRequest, v.do(http.MethodPut, "/v1/admin/limits/veo-3.1", `{"max_concurrent":1000}`, admin).Code)
	assert.Equal(t, http.StatusBadRequest, v.do(http.MethodPut, "/v1/admin/limits/custom-model", `{"max_concurrent":2}`, admin).Code,
		"model_type is required outside the catalogue")

	rec = v.do(http.MethodPut, "/v1/admin/limits/custom-model", `{"model_type":"IMAGE","max_concurrent":2}`, admin)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, model.ModelTypeImage, decode[model.ConcurrencyLimit](t, rec).ModelType)

	type limits struct {
		Items []model.ConcurrencyLimit `json:"items"`
	}
	assert.Len(t, decode[limits](t, v.do(http.MethodGet, "/v1/admin/limits", "", admin)).Items, 2)

	// an active generation holds the only slot
	v.grant(t, 7, 100)
	res := decode[service.SubmitResult](t, v.do(http.MethodPost, "/v1/generations", veoBody(0), v.token(t, 7, model.RoleCustomer)))
	require.Equal(t, model.StatusProcessing, res.Status)
	assert.Equal(t, http.StatusConflict, v.do(http.MethodDelete, "/v1/admin/limits/veo-3.1", "", admin).Code)

	assert.Equal(t, http.StatusNoContent, v.do(http.MethodDelete, "/v1/admin/limits/custom-model", "", admin).Code)
	assert.Equal(t, http.StatusNotFound, v.do(http.MethodDelete, "/v1/admin/limits/custom-model", "", admin).Code)
}

func TestAdmin_GrantTickets(t *testing.T) {
	v := newEnv(t)
	admin := v.token(t, 1, model.RoleAdmin)

	rec := v.do(http.MethodPost, "/v1/admin/tickets/7/grant", `{"amount":30}`, admin)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	acct := decode[model.TicketAccount](t, rec)
	assert.Equal(t, 30, acct.Balance)
	assert.Equal(t, 30, acct.TotalBought)

	assert.Equal(t, http.StatusBadRequest, v.do(http.MethodPost, "/v1/admin/tickets/7/grant", `{"amount":0}`, admin).Code)
	assert.Equal(t, http.StatusBadRequest, v.do(http.MethodPost, "/v1/admin/tickets/x/grant", `{"amount":1}`, admin).Code)
}

func TestAdmin_QueueAndCancel(t *testing.T) {
	v := newEnv(t)
	admin := v.token(t, 1, model.RoleAdmin)
	v.grant(t, 7, 100)
	v.grant(t, 8, 100)
	a := decode[service.SubmitResult](t, v.do(http.MethodPost, "/v1/generations", veoBody(0), v.token(t, 7, model.RoleCustomer)))
	decode[service.SubmitResult](t, v.do(http.MethodPost, "/v1/generations", veoBody(0), v.token(t, 8, model.RoleCustomer)))

	type list struct {
		Items []service.StatusReport `json:"items"`
	}
	assert.Len(t, decode[list](t, v.do(http.MethodGet, "/v1/admin/queue", "", admin)).Items, 2)
	only := decode[list](t, v.do(http.MethodGet, "/v1/admin/queue?user_id=7", "", admin)).Items
	require.Len(t, only, 1)
	assert.Equal(t, a.QueueID, only[0].ID)

	rec := v.do(http.MethodPost, "/v1/admin/queue/"+itoa(a.QueueID)+"/cancel", "", admin)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, model.StatusCancelled, decode[service.StatusReport](t, rec).Status)

	acct := decode[model.TicketAccount](t, v.do(http.MethodGet, "/v1/me/tickets", "", v.token(t, 7, model.RoleCustomer)))
	assert.Equal(t, 100, acct.Balance)
}

func TestAdmin_ReapAndPurge(t *testing.T) {
	v := newEnv(t)
	admin := v.token(t, 1, model.RoleAdmin)

	rec := v.do(http.MethodPost, "/v1/admin/queue/reap", "", admin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"reaped_count":0}`, rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, v.do(http.MethodDelete, "/v1/admin/queue?older_than=soon", "", admin).Code)
	assert.Equal(t, http.StatusBadRequest, v.do(http.MethodDelete, "/v1/admin/queue?older_than=-1h", "", admin).Code)

	v.grant(t, 7, 100)
	tok := v.token(t, 7, model.RoleCustomer)
	res := decode[service.SubmitResult](t, v.do(http.MethodPost, "/v1/generations", veoBody(0), tok))
	require.Equal(t, http.StatusOK, v.do(http.MethodPost, "/v1/generations/"+itoa(res.QueueID)+"/cancel", "", tok).Code)

	rec = v.do(http.MethodDelete, "/v1/admin/queue?older_than=1h", "", admin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"purged_count":0}`, rec.Body.String(), "cancelled just now")

	time.Sleep(5 * time.Millisecond)
	rec = v.do(http.MethodDelete, "/v1/admin/queue?older_than=1ms", "", admin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"purged_count":1}`, rec.Body.String())
}

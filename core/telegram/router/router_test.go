package router

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tg "github.com/m3rciful/callcenter-bots/core/telegram"
	"github.com/m3rciful/callcenter-bots/core/telegram/commands"
	"github.com/m3rciful/callcenter-bots/core/telegram/teletest"

	tele "gopkg.in/telebot.v4"
)

var errBoom = errors.New("backend down")

func failing(tele.Context) error { return errBoom }

func sorry(c tele.Context, _ error) error { return c.Send("⚠️ failed") }

func callbackRoute(t *testing.T, opts CallbackOptions) tg.Route {
	t.Helper()
	reg := tg.NewRegistry()
	require.NoError(t, reg.RegisterCallback("del_user", failing))
	return CallbackRoute(reg, opts)
}

func TestCallbackErrorIsAnswered(t *testing.T) {
	route := callbackRoute(t, CallbackOptions{OnError: sorry})
	c := teletest.NewCallback(7, "del_user", "42")

	require.NoError(t, route.Handler(c))
	assert.Equal(t, []string{"⚠️ failed"}, c.Sent())
}

func TestCallbackErrorWithoutReplyIsReturned(t *testing.T) {
	route := callbackRoute(t, CallbackOptions{})
	c := teletest.NewCallback(7, "del_user", "42")

	require.ErrorIs(t, route.Handler(c), errBoom)
	assert.Empty(t, c.Sent())
}

func TestCallbackErrorReplyFailureKeepsBoth(t *testing.T) {
	errSend := errors.New("send failed")
	route := callbackRoute(t, CallbackOptions{OnError: func(tele.Context, error) error { return errSend }})

	err := route.Handler(teletest.NewCallback(7, "del_user", "42"))
	require.ErrorIs(t, err, errBoom)
	require.ErrorIs(t, err, errSend)
}

func TestCallbackSuccessSkipsReply(t *testing.T) {
	reg := tg.NewRegistry()
	require.NoError(t, reg.RegisterCallback("menu", func(c tele.Context) error { return c.Send("menu") }))
	route := CallbackRoute(reg, CallbackOptions{OnError: sorry})
	c := teletest.NewCallback(7, "menu", "")

	require.NoError(t, route.Handler(c))
	assert.Equal(t, []string{"menu"}, c.Sent())
}

func TestCommandErrorIsAnswered(t *testing.T) {
	reg := tg.NewRegistry()
	reg.RegisterCommand("/start", commands.Command{Description: "menu", Handler: failing})
	routes := CommandRoutes(reg, CommandRouteOptions{OnError: sorry})
	require.Len(t, routes, 1)
	c := teletest.NewText(7, "/start")

	require.NoError(t, routes[0].Handler(c))
	assert.Equal(t, []string{"⚠️ failed"}, c.Sent())
}

func TestButtonErrorIsAnswered(t *testing.T) {
	reg := tg.NewRegistry()
	reg.RegisterButton("Отправить отчёт", commands.Command{Handler: failing})
	routes := TextRoutes(nil, reg, TextOptions{OnError: sorry})
	c := teletest.NewText(7, "Отправить отчёт")

	require.NoError(t, routes[0].Handler(c))
	assert.Equal(t, []string{"⚠️ failed"}, c.Sent())
}

func TestUnknownTextErrorIsReturned(t *testing.T) {
	routes := TextRoutes(nil, tg.NewRegistry(), TextOptions{UnknownText: failing, OnError: sorry})
	c := teletest.NewText(7, "hello")

	require.ErrorIs(t, routes[0].Handler(c), errBoom)
	assert.Empty(t, c.Sent())
}

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"jukebox/internal/app/requests"
	"jukebox/internal/chat"
	"jukebox/internal/musicapi"
	"jukebox/internal/player"
)

// commandTimeout bounds a single chat command end to end, including
// provider resolution and artwork upload.
const commandTimeout = 60 * time.Second

// bot routes chat commands to the request and playback services.
type bot struct {
	sender    *chat.Sender
	requests  *requests.Service
	player    *player.Client
	resolvers map[string]musicapi.Resolver
	logger    zerolog.Logger
}

func newBot(sender *chat.Sender, requestSvc *requests.Service, playerClient *player.Client, resolvers []musicapi.Resolver, logger zerolog.Logger) *bot {
	byPlatform := make(map[string]musicapi.Resolver, len(resolvers))
	for _, r := range resolvers {
		byPlatform[string(r.Platform())] = r
	}
	return &bot{
		sender:    sender,
		requests:  requestSvc,
		player:    playerClient,
		resolvers: byPlatform,
		logger:    logger,
	}
}

// handleMessage is the listener callback. Commands run in their own
// goroutine so a slow provider never stalls the WebSocket read loop.
func (b *bot) handleMessage(ctx context.Context, msg chat.Message) {
	cmd, ok := chat.ParseCommand(msg.Content)
	if !ok {
		return
	}

	go func() {
		cmdCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commandTimeout)
		defer cancel()
		b.dispatch(cmdCtx, msg, cmd)
	}()
}

func (b *bot) dispatch(ctx context.Context, msg chat.Message, cmd chat.Command) {
	switch {
	case cmd.Name == "/stop":
		b.handleStop(ctx, msg.Channel)
	case cmd.Name == "/yun" && cmd.Sub == "play":
		b.handlePlay(ctx, msg, musicapi.PlatformNetease, cmd.Arg, "⚠️ 用法: /yun play 歌曲名")
	case cmd.Name == "/qq" && cmd.Sub == "play":
		b.handlePlay(ctx, msg, musicapi.PlatformQQ, cmd.Arg, "⚠️ 用法: /qq play 歌曲名")
	case cmd.Name == "/bili" && cmd.Sub == "play":
		b.handlePlay(ctx, msg, musicapi.PlatformBilibili, cmd.Arg, "⚠️ 用法: /bili play 视频链接或关键词")
	default:
		b.reply(ctx, msg.Channel, fmt.Sprintf("❓ 未知命令: %s", msg.Content))
	}
}

func (b *bot) handleStop(ctx context.Context, channel string) {
	if err := b.player.Stop(ctx); err != nil {
		b.logger.Error().Err(err).Msg("stop playback")
		b.reply(ctx, channel, "❌ 停止播放失败")
		return
	}
	b.reply(ctx, channel, "⏹ 已停止播放")
}

func (b *bot) handlePlay(ctx context.Context, msg chat.Message, platform musicapi.Platform, keyword, usage string) {
	if keyword == "" {
		b.reply(ctx, msg.Channel, usage)
		return
	}

	resolver := b.resolvers[string(platform)]

	info, err := resolver.Resolve(ctx, keyword)
	if err != nil {
		if errors.Is(err, musicapi.ErrNoResult) {
			b.reply(ctx, msg.Channel, fmt.Sprintf("❌ 未找到相关歌曲: %s", keyword))
		} else {
			b.logger.Error().Err(err).Str("platform", string(platform)).Str("keyword", keyword).Msg("resolve track")
			b.reply(ctx, msg.Channel, fmt.Sprintf("❌ 错误: %v", err))
		}
		return
	}

	result, err := b.requests.Submit(ctx, info, msg.Channel, msg.Person)
	if err != nil {
		b.logger.Error().Err(err).Str("platform", string(platform)).Msg("submit request")
		b.reply(ctx, msg.Channel, fmt.Sprintf("❌ 错误: %v", err))
		return
	}

	headline := ""
	if !result.Started {
		headline = fmt.Sprintf("✅ 已加入队列，位置: %d", result.Position)
	}
	if err := b.sender.AnnounceTrack(ctx, msg.Channel, headline, result.Entry); err != nil {
		b.logger.Warn().Err(err).Msg("announce track")
	}
}

func (b *bot) reply(ctx context.Context, channel, text string) {
	if err := b.sender.SendMessage(ctx, channel, text, nil); err != nil {
		b.logger.Warn().Err(err).Msg("send reply")
	}
}

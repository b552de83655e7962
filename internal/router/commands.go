package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-yomiage/internal/guildconfig"
	"github.com/loqalabs/loqa-yomiage/internal/protocol"
	"github.com/loqalabs/loqa-yomiage/internal/session"
	"github.com/loqalabs/loqa-yomiage/internal/tts"
)

var (
	errNoVoiceChannel = errors.New("ボイスチャンネルが指定されておらず、あなたはボイスチャンネルに接続していません。")
	errNoDictionary   = errors.New("辞書機能は現在利用できません。")
)

// paramCommands maps each set_* command to the voice parameter it changes.
var paramCommands = map[string]string{
	protocol.CommandSetSpeaker:       tts.ParamSpeakerID,
	protocol.CommandSetVolume:        tts.ParamVolume,
	protocol.CommandSetPitch:         tts.ParamPitch,
	protocol.CommandSetSpeed:         tts.ParamSpeed,
	protocol.CommandSetStyleStrength: tts.ParamStyleStrength,
	protocol.CommandSetTempo:         tts.ParamTempo,
}

// Execute runs one command and builds its reply. It never returns an error;
// failures are reported in the reply.
func (s *Service) Execute(ctx context.Context, cmd protocol.Command) protocol.CommandReply {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	log := s.logger.With(
		slog.String("command", cmd.Name),
		slog.String("guild_id", cmd.GuildID),
		slog.String("command_id", cmd.ID))

	var (
		msg string
		err error
	)
	if cmd.GuildID == "" {
		err = fmt.Errorf("%w: guild id required", session.ErrInvalidCommand)
	} else {
		msg, err = s.dispatch(ctx, cmd)
	}
	if err != nil {
		log.Info("command failed", slogError(err))
		return protocol.CommandReply{ID: cmd.ID, Error: userMessage(err)}
	}
	log.Debug("command succeeded")
	return protocol.CommandReply{ID: cmd.ID, OK: true, Message: msg}
}

func (s *Service) dispatch(ctx context.Context, cmd protocol.Command) (string, error) {
	if param, ok := paramCommands[cmd.Name]; ok {
		return s.setParam(ctx, cmd, param)
	}
	switch cmd.Name {
	case protocol.CommandJoin:
		return s.join(ctx, cmd)
	case protocol.CommandLeave:
		if err := s.sessions.OnLeaveCommand(ctx, cmd.GuildID); err != nil {
			return "", err
		}
		return "切断しました。", nil
	case protocol.CommandRegisterAutoJoin:
		return s.registerAutoJoin(ctx, cmd)
	case protocol.CommandUnregisterAutoJoin:
		removed, err := s.store.DeleteAutoJoinRule(ctx, cmd.GuildID)
		if err != nil {
			return "", err
		}
		if !removed {
			return "自動接続は登録されていません。", nil
		}
		return "自動接続を解除しました。", nil
	case protocol.CommandAddWord:
		return s.addWord(ctx, cmd)
	case protocol.CommandEditWord:
		return s.editWord(ctx, cmd)
	case protocol.CommandRemoveWord:
		return s.removeWord(ctx, cmd)
	case protocol.CommandListWords:
		return s.listWords(ctx, cmd)
	case protocol.CommandStatus:
		return s.status(cmd), nil
	}
	return "", fmt.Errorf("%w: unknown command %q", session.ErrInvalidCommand, cmd.Name)
}

func (s *Service) join(ctx context.Context, cmd protocol.Command) (string, error) {
	if cmd.VoiceChannelID == "" {
		return "", fmt.Errorf("%w: %v", session.ErrInvalidCommand, errNoVoiceChannel)
	}
	text := cmd.TextChannelID
	if text == "" {
		text = cmd.ChannelID
	}
	if err := s.sessions.OnJoinCommand(ctx, cmd.GuildID, cmd.VoiceChannelID, text); err != nil {
		return "", err
	}
	if text != "" {
		if err := s.store.SetTextChannelBinding(ctx, cmd.GuildID, text); err != nil {
			s.logger.Warn("failed to persist text channel binding",
				slog.String("guild_id", cmd.GuildID), slogError(err))
		}
	}
	return fmt.Sprintf("<#%s> に接続しました。", cmd.VoiceChannelID), nil
}

func (s *Service) registerAutoJoin(ctx context.Context, cmd protocol.Command) (string, error) {
	if cmd.VoiceChannelID == "" {
		return "", fmt.Errorf("%w: %v", session.ErrInvalidCommand, errNoVoiceChannel)
	}
	rule := guildconfig.AutoJoinRule{VoiceChannelID: cmd.VoiceChannelID, TextChannelID: cmd.TextChannelID}
	if rule.TextChannelID == "" {
		rule.TextChannelID = rule.VoiceChannelID
	}
	if err := s.store.SetAutoJoinRule(ctx, cmd.GuildID, rule); err != nil {
		return "", err
	}
	return fmt.Sprintf("<#%s> への自動接続を登録しました。読み上げチャンネル: <#%s>", rule.VoiceChannelID, rule.TextChannelID), nil
}

func (s *Service) setParam(ctx context.Context, cmd protocol.Command, param string) (string, error) {
	if cmd.Value == nil {
		return "", fmt.Errorf("%w: value required", session.ErrInvalidCommand)
	}
	params, err := s.store.VoiceParams(ctx, cmd.GuildID)
	if err != nil {
		return "", err
	}
	if err := params.Set(param, *cmd.Value); err != nil {
		return "", fmt.Errorf("%w: %v", session.ErrInvalidCommand, err)
	}
	if err := s.store.SetVoiceParams(ctx, cmd.GuildID, params); err != nil {
		return "", err
	}
	if err := s.sessions.OnVoiceParamChange(ctx, cmd.GuildID, param, *cmd.Value); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s を %g に設定しました。", param, *cmd.Value), nil
}

func (s *Service) wordFromCommand(cmd protocol.Command) (tts.UserWord, error) {
	w := tts.UserWord{
		Surface:       strings.TrimSpace(cmd.Surface),
		Pronunciation: strings.TrimSpace(cmd.Pronunciation),
		AccentType:    cmd.AccentType,
		WordType:      "PROPER_NOUN",
	}
	if w.Surface == "" || w.Pronunciation == "" {
		return w, fmt.Errorf("%w: surface and pronunciation required", session.ErrInvalidCommand)
	}
	return w, nil
}

func (s *Service) addWord(ctx context.Context, cmd protocol.Command) (string, error) {
	if s.dict == nil {
		return "", errNoDictionary
	}
	w, err := s.wordFromCommand(cmd)
	if err != nil {
		return "", err
	}
	if _, found, err := s.findEntry(ctx, cmd.GuildID, w.Surface); err != nil {
		return "", err
	} else if found {
		return "", fmt.Errorf("%w: 「%s」は既に登録されています。", session.ErrInvalidCommand, w.Surface)
	}
	id, err := s.dict.AddWord(ctx, w)
	if err != nil {
		return "", err
	}
	entry := guildconfig.DictionaryEntry{
		UUID:          id,
		Surface:       w.Surface,
		Pronunciation: w.Pronunciation,
		AccentType:    w.AccentType,
		WordType:      w.WordType,
	}
	if err := s.store.PutDictionaryEntry(ctx, cmd.GuildID, entry); err != nil {
		return "", err
	}
	return fmt.Sprintf("「%s」を「%s」として登録しました。", w.Surface, w.Pronunciation), nil
}

func (s *Service) editWord(ctx context.Context, cmd protocol.Command) (string, error) {
	if s.dict == nil {
		return "", errNoDictionary
	}
	w, err := s.wordFromCommand(cmd)
	if err != nil {
		return "", err
	}
	entry, found, err := s.findEntry(ctx, cmd.GuildID, w.Surface)
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("%w: 「%s」は登録されていません。", session.ErrInvalidCommand, w.Surface)
	}
	w.UUID = entry.UUID
	if err := s.dict.UpdateWord(ctx, w); err != nil {
		return "", err
	}
	entry.Pronunciation = w.Pronunciation
	entry.AccentType = w.AccentType
	if err := s.store.PutDictionaryEntry(ctx, cmd.GuildID, entry); err != nil {
		return "", err
	}
	return fmt.Sprintf("「%s」の読みを「%s」に変更しました。", w.Surface, w.Pronunciation), nil
}

func (s *Service) removeWord(ctx context.Context, cmd protocol.Command) (string, error) {
	if s.dict == nil {
		return "", errNoDictionary
	}
	surface := strings.TrimSpace(cmd.Surface)
	if surface == "" {
		return "", fmt.Errorf("%w: surface required", session.ErrInvalidCommand)
	}
	entry, found, err := s.findEntry(ctx, cmd.GuildID, surface)
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("%w: 「%s」は登録されていません。", session.ErrInvalidCommand, surface)
	}
	if err := s.dict.DeleteWord(ctx, entry.UUID); err != nil {
		return "", err
	}
	if _, err := s.store.DeleteDictionaryEntry(ctx, cmd.GuildID, surface); err != nil {
		return "", err
	}
	return fmt.Sprintf("「%s」を削除しました。", surface), nil
}

func (s *Service) listWords(ctx context.Context, cmd protocol.Command) (string, error) {
	entries, err := s.store.DictionaryEntries(ctx, cmd.GuildID)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "登録されている単語はありません。", nil
	}
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%s → %s\n", e.Surface, e.Pronunciation)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// findEntry prefers the guild's stored entry and falls back to the engine,
// which may hold words registered before the guild store existed.
func (s *Service) findEntry(ctx context.Context, guildID, surface string) (guildconfig.DictionaryEntry, bool, error) {
	entries, err := s.store.DictionaryEntries(ctx, guildID)
	if err != nil {
		return guildconfig.DictionaryEntry{}, false, err
	}
	for _, e := range entries {
		if e.Surface == surface {
			return e, true, nil
		}
	}
	w, found, err := s.dict.FindWord(ctx, surface)
	if err != nil || !found {
		return guildconfig.DictionaryEntry{}, false, err
	}
	return guildconfig.DictionaryEntry{
		UUID:          w.UUID,
		Surface:       w.Surface,
		Pronunciation: w.Pronunciation,
		AccentType:    w.AccentType,
		WordType:      w.WordType,
	}, true, nil
}

func (s *Service) status(cmd protocol.Command) string {
	snap, ok := s.sessions.Status(cmd.GuildID)
	if !ok {
		return "状態: disconnected"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "状態: %s\n", snap.State)
	if snap.VoiceChannelID != "" {
		fmt.Fprintf(&b, "ボイスチャンネル: <#%s>\n", snap.VoiceChannelID)
	}
	if snap.TextChannelID != "" {
		fmt.Fprintf(&b, "読み上げチャンネル: <#%s>\n", snap.TextChannelID)
	}
	fmt.Fprintf(&b, "待機中: %d\n", snap.QueueLength)
	for _, name := range tts.ParamNames() {
		v, _ := snap.Params.Get(name)
		fmt.Fprintf(&b, "%s: %g\n", name, v)
	}
	return strings.TrimRight(b.String(), "\n")
}

func userMessage(err error) string {
	switch {
	case errors.Is(err, errNoDictionary):
		return errNoDictionary.Error()
	case errors.Is(err, session.ErrInvalidCommand):
		return strings.TrimPrefix(err.Error(), session.ErrInvalidCommand.Error()+": ")
	case errors.Is(err, tts.ErrNetwork):
		return "音声合成エンジンに接続できませんでした。"
	case errors.Is(err, context.DeadlineExceeded):
		return "処理がタイムアウトしました。"
	}
	return "コマンドの実行に失敗しました。"
}

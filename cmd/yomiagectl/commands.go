package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-yomiage/internal/protocol"
)

var paramCommands = map[string]string{
	"speaker":        protocol.CommandSetSpeaker,
	"volume":         protocol.CommandSetVolume,
	"pitch":          protocol.CommandSetPitch,
	"speed":          protocol.CommandSetSpeed,
	"style_strength": protocol.CommandSetStyleStrength,
	"tempo":          protocol.CommandSetTempo,
}

func paramNames() []string {
	names := make([]string, 0, len(paramCommands))
	for name := range paramCommands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func newJoinCommand(o *options) *cobra.Command {
	var text string
	cmd := &cobra.Command{
		Use:     "join <voice-channel-id>",
		Short:   "Join a voice channel and read the bound text channel",
		Example: `yomiagectl --guild 123 join 456 --text 789`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.send(cmd, protocol.Command{
				Name:           protocol.CommandJoin,
				VoiceChannelID: args[0],
				TextChannelID:  text,
				ChannelID:      text,
			})
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "Text channel to read aloud")
	return cmd
}

func newLeaveCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "leave",
		Short: "Leave the current voice channel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.send(cmd, protocol.Command{Name: protocol.CommandLeave})
		},
	}
}

func newAutoJoinCommand(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "autojoin",
		Short: "Manage the guild's auto-join rule",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	var text string
	register := &cobra.Command{
		Use:     "register <voice-channel-id>",
		Short:   "Join automatically when a member enters the channel",
		Example: `yomiagectl --guild 123 autojoin register 456 --text 789`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.send(cmd, protocol.Command{
				Name:           protocol.CommandRegisterAutoJoin,
				VoiceChannelID: args[0],
				TextChannelID:  text,
			})
		},
	}
	register.Flags().StringVar(&text, "text", "", "Text channel to read (defaults to the voice channel)")

	unregister := &cobra.Command{
		Use:   "unregister",
		Short: "Remove the auto-join rule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.send(cmd, protocol.Command{Name: protocol.CommandUnregisterAutoJoin})
		},
	}

	cmd.AddCommand(register, unregister)
	return cmd
}

func newSetCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:     "set <param> <value>",
		Short:   "Change a voice parameter (" + strings.Join(paramNames(), ", ") + ")",
		Example: `yomiagectl --guild 123 set speed 1.2`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := paramCommand(args[0], args[1])
			if err != nil {
				return err
			}
			return o.send(cmd, c)
		},
	}
}

func paramCommand(param, raw string) (protocol.Command, error) {
	name, ok := paramCommands[strings.ToLower(param)]
	if !ok {
		return protocol.Command{}, fmt.Errorf("unknown parameter %q (want one of %s)", param, strings.Join(paramNames(), ", "))
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return protocol.Command{}, fmt.Errorf("parameter %s: %q is not a number", param, raw)
	}
	return protocol.Command{Name: name, Value: &v}, nil
}

func newWordsCommand(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "words",
		Short: "Manage the pronunciation dictionary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	var accent int
	add := &cobra.Command{
		Use:     "add <surface> <pronunciation>",
		Short:   "Add a word",
		Example: `yomiagectl --guild 123 words add 読上 ヨミアゲ --accent 0`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.send(cmd, protocol.Command{
				Name:          protocol.CommandAddWord,
				Surface:       args[0],
				Pronunciation: args[1],
				AccentType:    accent,
			})
		},
	}
	add.Flags().IntVar(&accent, "accent", 0, "Accent nucleus position")

	var editAccent int
	edit := &cobra.Command{
		Use:   "edit <surface> <pronunciation>",
		Short: "Change a word's pronunciation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.send(cmd, protocol.Command{
				Name:          protocol.CommandEditWord,
				Surface:       args[0],
				Pronunciation: args[1],
				AccentType:    editAccent,
			})
		},
	}
	edit.Flags().IntVar(&editAccent, "accent", 0, "Accent nucleus position")

	remove := &cobra.Command{
		Use:   "remove <surface>",
		Short: "Remove a word",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.send(cmd, protocol.Command{Name: protocol.CommandRemoveWord, Surface: args[0]})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered words",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.send(cmd, protocol.Command{Name: protocol.CommandListWords})
		},
	}

	cmd.AddCommand(add, edit, remove, list)
	return cmd
}

func newStatusCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the guild's session and settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.send(cmd, protocol.Command{Name: protocol.CommandStatus})
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

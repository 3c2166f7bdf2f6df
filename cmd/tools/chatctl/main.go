package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("CHATCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "chatctl",
		Short:         "角色聊天服务的命令行客户端",
		SilenceUsage:  true,
	}

	flags := root.PersistentFlags()
	flags.String("server", "http://localhost:8080", "后端地址")
	flags.String("token", "", "登录用户的 JWT，留空则以访客身份访问")
	flags.String("guest-id", "", "访客 ID，留空则每次随机生成")
	flags.Duration("timeout", 2*time.Minute, "单次请求超时时间")
	_ = v.BindPFlags(flags)

	clientFrom := func() *apiClient {
		guestID := v.GetString("guest-id")
		if guestID == "" && v.GetString("token") == "" {
			guestID = uuid.NewString()
		}
		return newAPIClient(v.GetString("server"), v.GetString("token"), guestID, nil)
	}
	withTimeout := func(cmd *cobra.Command) (context.Context, context.CancelFunc) {
		return context.WithTimeout(cmd.Context(), v.GetDuration("timeout"))
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "personas",
			Short: "列出可聊天的角色",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				ctx, cancel := withTimeout(cmd)
				defer cancel()

				personas, err := clientFrom().Personas(ctx)
				if err != nil {
					return err
				}
				for _, p := range personas {
					fmt.Fprintf(cmd.OutOrStdout(), "%-22s %s\n", p.ID, p.Name)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "send <persona> <message>",
			Short: "向角色发送消息并流式打印回复",
			Args:  cobra.MinimumNArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := withTimeout(cmd)
				defer cancel()

				out := cmd.OutOrStdout()
				final, err := clientFrom().Send(ctx, args[0], strings.Join(args[1:], " "), func(delta string) {
					fmt.Fprint(out, delta)
				})
				if err != nil {
					return err
				}
				fmt.Fprintln(out)
				if final.Error != "" {
					return errors.New(final.Error)
				}
				if final.Status != "" && final.Status != "completed" {
					fmt.Fprintf(cmd.ErrOrStderr(), "send %s\n", final.Status)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "history <persona>",
			Short: "打印与角色的对话记录",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := withTimeout(cmd)
				defer cancel()

				session, err := clientFrom().History(ctx, args[0])
				if err != nil {
					return err
				}
				for _, msg := range session.Messages {
					fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s: %s\n", msg.Timestamp.Local().Format(time.Kitchen), msg.Role, msg.Content)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "quota <persona>",
			Short: "查询今日剩余消息额度",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := withTimeout(cmd)
				defer cancel()

				allowance, err := clientFrom().Quota(ctx, args[0])
				if err != nil {
					return err
				}
				if allowance.Unlimited {
					fmt.Fprintf(cmd.OutOrStdout(), "tier=%s unlimited\n", allowance.Tier)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "tier=%s used=%d remaining=%d limit=%d\n", allowance.Tier, allowance.Used, allowance.Remaining, allowance.Limit)
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete <persona>",
			Short: "删除与角色的对话",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := withTimeout(cmd)
				defer cancel()

				if err := clientFrom().Delete(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted conversation with %s\n", args[0])
				return nil
			},
		},
	)
	return root
}

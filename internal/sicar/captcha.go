package sicar

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"unicode"

	"github.com/cockroachdb/errors"
	"github.com/kballard/go-shellquote"
)

// captchaLength は SICAR のキャプチャの文字数です。これ以外の読み取り結果は送信しません。
const captchaLength = 5

// Solver はキャプチャ画像を文字列に変換します。
type Solver interface {
	Solve(ctx context.Context, image []byte) (string, error)
}

// CommandSolver は画像を標準入力で渡し、標準出力を読み取り結果とする外部コマンドです。
type CommandSolver struct {
	name string
	args []string
}

// NewCommandSolver は "tesseract stdin stdout --psm 8" のようなコマンドラインから Solver を作成します。
func NewCommandSolver(commandLine string) (*CommandSolver, error) {
	parts, err := shellquote.Split(commandLine)
	if err != nil {
		return nil, errors.Wrapf(err, "parse captcha command %q", commandLine)
	}
	if len(parts) == 0 {
		return nil, errors.New("captcha command is empty")
	}
	return &CommandSolver{name: parts[0], args: parts[1:]}, nil
}

// Solve はコマンドを実行し、英数字以外を取り除いた結果を返します。
func (s *CommandSolver) Solve(ctx context.Context, image []byte) (string, error) {
	cmd := exec.CommandContext(ctx, s.name, s.args...)
	cmd.Stdin = bytes.NewReader(image)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", errors.Wrapf(err, "captcha command failed: %s", strings.TrimSpace(stderr.String()))
	}
	return cleanCaptcha(stdout.String()), nil
}

func cleanCaptcha(raw string) string {
	return strings.Map(func(r rune) rune {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return r
		}
		return -1
	}, raw)
}

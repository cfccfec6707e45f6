package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"cardbank/internal/model"
	"cardbank/internal/service"

	"go.uber.org/zap"
)

// ============================================================================
// 交互式菜单
// ============================================================================
//
// 未登录：1 开卡 / 2 登录 / 0 退出
// 已登录：1 余额 / 2 入账 / 3 转账 / 4 销卡 / 5 退出登录 / 0 退出
//
// 菜单只负责提示、解析整数与输出，业务规则全部在 LedgerService 中。
// 登录后的卡片保存在 App 上，作为每次账本调用的会话上下文。
//
// ============================================================================

type command struct {
	key    int
	title  string
	action func(ctx context.Context) error
}

type App struct {
	ledger  *service.LedgerService
	in      *bufio.Reader
	out     io.Writer
	logger  *zap.Logger
	card    *model.Card
	running bool
}

func New(ledger *service.LedgerService, in io.Reader, out io.Writer, logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{
		ledger: ledger,
		in:     bufio.NewReader(in),
		out:    out,
		logger: logger.Named("cli"),
	}
}

func (a *App) anonCommands() []command {
	return []command{
		{1, "Create an account", a.createAccount},
		{2, "Log into account", a.login},
		{0, "Exit", a.exit},
	}
}

func (a *App) userCommands() []command {
	return []command{
		{1, "Balance", a.balance},
		{2, "Add income", a.addIncome},
		{3, "Do transfer", a.transfer},
		{4, "Close account", a.closeAccount},
		{5, "Log out", a.logout},
		{0, "Exit", a.exit},
	}
}

// Run 循环读取命令直到选择退出或输入结束
func (a *App) Run(ctx context.Context) error {
	a.running = true
	for a.running {
		commands := a.anonCommands()
		if a.card != nil {
			commands = a.userCommands()
		}

		var menu strings.Builder
		for _, c := range commands {
			fmt.Fprintf(&menu, "%d. %s\n", c.key, c.title)
		}

		line, err := a.prompt(menu.String())
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		n, err := strconv.Atoi(line)
		cmd := find(commands, n)
		if err != nil || cmd == nil {
			a.println("Unknown command!\n")
			continue
		}

		if err := cmd.action(ctx); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
	return nil
}

func find(commands []command, key int) *command {
	for i := range commands {
		if commands[i].key == key {
			return &commands[i]
		}
	}
	return nil
}

func (a *App) createAccount(ctx context.Context) error {
	card, err := a.ledger.OpenAccount(ctx)
	if err != nil {
		a.fail(err)
		return nil
	}
	a.println("Your card has been created")
	a.println("Your card number:")
	a.println(card.Number)
	a.println("Your card PIN:")
	a.println(card.PIN)
	return nil
}

func (a *App) login(ctx context.Context) error {
	number, err := a.prompt("Enter your card number:\n")
	if err != nil {
		return err
	}
	pin, err := a.prompt("Enter your PIN:\n")
	if err != nil {
		return err
	}

	card, err := a.ledger.Authenticate(ctx, number, pin)
	if err != nil {
		if errors.Is(err, service.ErrCardNotFound) {
			a.println("Wrong card number or PIN!\n")
			return nil
		}
		a.fail(err)
		return nil
	}
	a.card = card
	a.println("You have successfully logged in!\n")
	return nil
}

func (a *App) logout(ctx context.Context) error {
	a.card = nil
	a.println("You have successfully logged out!\n")
	return nil
}

func (a *App) balance(ctx context.Context) error {
	balance, err := a.ledger.Balance(ctx, a.card)
	if err != nil {
		a.fail(err)
		return nil
	}
	a.println(fmt.Sprintf("Balance: %d\n", balance))
	return nil
}

func (a *App) addIncome(ctx context.Context) error {
	amount, ok, err := a.promptInt("Enter income:\n")
	if err != nil || !ok {
		return err
	}
	if _, err := a.ledger.AddIncome(ctx, a.card, amount); err != nil {
		a.fail(err)
		return nil
	}
	a.println("Income was added!\n")
	return nil
}

func (a *App) transfer(ctx context.Context) error {
	a.println("Transfer")
	to, err := a.prompt("Enter card number:\n")
	if err != nil {
		return err
	}
	if _, err := a.ledger.ResolveRecipient(ctx, a.card, to); err != nil {
		a.fail(err)
		return nil
	}

	amount, ok, err := a.promptInt("Enter how much money you want to transfer:\n")
	if err != nil || !ok {
		return err
	}
	if _, err := a.ledger.Transfer(ctx, a.card, to, amount); err != nil {
		a.fail(err)
		return nil
	}
	a.println("Success!\n")
	return nil
}

func (a *App) closeAccount(ctx context.Context) error {
	if err := a.ledger.CloseAccount(ctx, a.card); err != nil {
		a.fail(err)
		return nil
	}
	a.card = nil
	a.println("The account has been closed!\n")
	return nil
}

func (a *App) exit(ctx context.Context) error {
	a.running = false
	a.println("Bye!")
	return nil
}

// fail 输出错误提示；已登录的卡片被删除时退出登录
func (a *App) fail(err error) {
	a.println(Message(err))
	if a.card != nil && errors.Is(err, service.ErrCardNotFound) {
		a.card = nil
	}
	if !service.IsValidationError(err) && !errors.Is(err, service.ErrCardNotFound) && !errors.Is(err, service.ErrBalanceNotZero) {
		a.logger.Error("操作失败", zap.Error(err))
	}
}

// Message 账本错误对应的提示文本
func Message(err error) string {
	switch {
	case errors.Is(err, service.ErrSelfTransfer):
		return "You can't transfer money to the same account!"
	case errors.Is(err, service.ErrInvalidCardNumber):
		return "Probably you made a mistake in the card number. Please try again!"
	case errors.Is(err, service.ErrUnknownCard):
		return "Such a card does not exist."
	case errors.Is(err, service.ErrInsufficientFunds):
		return "Not enough money!"
	case errors.Is(err, service.ErrInvalidAmount):
		return "Amount must be positive!"
	case errors.Is(err, service.ErrBalanceNotZero):
		return "Withdraw the balance before closing the account!"
	case errors.Is(err, service.ErrCardNotFound):
		return "Such a card does not exist."
	case errors.Is(err, service.ErrTransferFailed):
		return "Transfer failed, no money was moved."
	default:
		return "Something went wrong. Please try again!"
	}
}

func (a *App) prompt(text string) (string, error) {
	fmt.Fprint(a.out, text)
	line, err := a.in.ReadString('\n')
	if err != nil && (line == "" || !errors.Is(err, io.EOF)) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// promptInt ok 为 false 表示输入不是整数，已提示用户
func (a *App) promptInt(text string) (int64, bool, error) {
	line, err := a.prompt(text)
	if err != nil {
		return 0, false, err
	}
	n, err := strconv.ParseInt(line, 10, 64)
	if err != nil {
		a.println("Please enter a whole number!\n")
		return 0, false, nil
	}
	return n, true, nil
}

func (a *App) println(s string) {
	fmt.Fprintln(a.out, s)
}

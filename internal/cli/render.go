package cli

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/shehryarbajwa/examflow/pkg/models"
)

var (
	styleTime    = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "242", Dark: "240"})
	styleInfo    = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "0", Dark: "15"})
	styleSuccess = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "28", Dark: "40"})
	styleWarning = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "130", Dark: "214"})
	styleError   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.AdaptiveColor{Light: "124", Dark: "203"})
	stylePrompt  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.AdaptiveColor{Light: "30", Dark: "45"})
	styleLabel   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "242", Dark: "240"})
)

func levelStyle(level models.LogLevel) lipgloss.Style {
	switch level {
	case models.LevelSuccess:
		return styleSuccess
	case models.LevelWarning:
		return styleWarning
	case models.LevelError:
		return styleError
	default:
		return styleInfo
	}
}

// renderEntry formats one session log line
func renderEntry(e models.LogEntry) string {
	return styleTime.Render(e.Timestamp.Local().Format("15:04:05")) + " " +
		levelStyle(e.Level).Render(e.Message)
}

// renderProgress formats the current step line, or "" when there is none
func renderProgress(s models.Session) string {
	if s.CurrentStep == "" {
		return ""
	}
	return styleLabel.Render(fmt.Sprintf("[%3d%%]", s.Progress)) + " " + s.CurrentStep
}

// renderPrompt describes the pending input request
func renderPrompt(p *models.PendingInput, captchaPath string) string {
	var b strings.Builder
	switch p.Kind {
	case models.InputOTP:
		b.WriteString(stylePrompt.Render("Enter the OTP sent to you: "))
	case models.InputCaptcha:
		if captchaPath != "" {
			b.WriteString(styleLabel.Render("Captcha image saved to "+captchaPath) + "\n")
		}
		b.WriteString(stylePrompt.Render("Enter the captcha text: "))
	case models.InputCustom:
		if len(p.Suggestions) > 0 {
			b.WriteString(styleLabel.Render("Suggestions: "+strings.Join(p.Suggestions, ", ")) + "\n")
		}
		label := p.Label
		if label == "" {
			label = p.FieldID
		}
		if p.InputType != "" && p.InputType != "text" {
			label += " (" + p.InputType + ")"
		}
		b.WriteString(stylePrompt.Render(label + ": "))
	}
	return b.String()
}

// renderExam formats one exam row
func renderExam(e models.Exam) string {
	return fmt.Sprintf("%s  %s  %s", styleLabel.Render(fmt.Sprintf("%-6s", e.ID)), styleInfo.Render(e.Name), styleTime.Render(e.URL))
}

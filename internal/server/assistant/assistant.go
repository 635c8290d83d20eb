// Package assistant answers messages addressed to the AI with canned,
// keyword-matched replies. It stands in for a language model backend.
package assistant

import (
	"strings"

	"github.com/evcenter/chatsync/internal/server/models"
)

type rule struct {
	roles       []string
	keywords    []string
	content     string
	suggestions []string
}

var rules = []rule{
	{
		roles:       []string{models.RoleCustomer},
		keywords:    []string{"book", "appointment", "schedule", "đặt lịch", "hẹn"},
		content:     "You can book an appointment from the Booking page or through our hotline. Which service would you like to book?",
		suggestions: []string{"Periodic maintenance", "Repair", "General inspection"},
	},
	{
		roles:       []string{models.RoleCustomer},
		keywords:    []string{"price", "cost", "quote", "giá", "chi phí"},
		content:     "Service prices depend on your vehicle model and the package you choose. See the Services page for the price list, or tell me your vehicle model for a specific quote.",
		suggestions: []string{"View price list", "Service advice"},
	},
	{
		roles:       []string{models.RoleTechnician, models.RoleStaff},
		keywords:    []string{"error code", "p0", "p1", "c0", "mã lỗi"},
		content:     "Send the exact code (for example P0A0F or C1234) and I will describe the likely cause and the fix.",
		suggestions: []string{"Look up an error code", "Diagnostic guide"},
	},
	{
		roles:       []string{models.RoleTechnician, models.RoleStaff},
		keywords:    []string{"procedure", "how to", "guide", "quy trình", "hướng dẫn"},
		content:     "Which procedure do you need (battery replacement, motor inspection, brake service)? I will walk you through it.",
		suggestions: []string{"Battery maintenance procedure", "Electrical system check"},
	},
}

const defaultReply = "Thank you for reaching out. Your request has been recorded and a staff member will assist you shortly. Is there anything else I can help with?"

// Reply picks the answer for message sent by a user with the given role.
func Reply(message, role string) models.AIAnswer {
	lower := strings.ToLower(message)
	for _, r := range rules {
		if !contains(r.roles, role) {
			continue
		}
		for _, kw := range r.keywords {
			if strings.Contains(lower, kw) {
				return models.AIAnswer{
					Content:     r.content,
					Suggestions: r.suggestions,
					Metadata:    map[string]any{"fallback": true, "matched": kw},
				}
			}
		}
	}
	return models.AIAnswer{
		Content:     defaultReply,
		Suggestions: []string{"Book an appointment", "View services", "Contact hotline"},
		Metadata:    map[string]any{"fallback": true},
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

package protocol

import "github.com/careloop/careloop/internal/episode"

// DefaultConfigs returns the seed decision configuration for every
// (condition, risk) pair. Deployments tune these through the admin API;
// the seeds keep a fresh install from rejecting interactions with
// configuration errors.
func DefaultConfigs() []Config {
	var configs []Config
	for _, condition := range []episode.ConditionCode{
		episode.ConditionHF, episode.ConditionCOPD, episode.ConditionAMI,
		episode.ConditionPNA, episode.ConditionOther,
	} {
		for _, risk := range []episode.RiskLevel{episode.RiskLow, episode.RiskMedium, episode.RiskHigh} {
			configs = append(configs, Config{
				ConditionCode: condition,
				RiskLevel:     risk,
				SchemaVersion: 1,
				Active:        true,
				Thresholds:    defaultThresholds(condition, risk),
				Routing: map[string]bool{
					"auto_escalate":       true,
					"nurse_handoff":       true,
					"wellness_counting":   true,
					"followups_permitted": true,
				},
			})
		}
	}
	return configs
}

func defaultThresholds(condition episode.ConditionCode, risk episode.RiskLevel) map[string]float64 {
	t := map[string]float64{
		"max_followup_questions":    3,
		"wellness_confirmations":    2,
		"high_flags_before_upgrade": 2,
	}

	switch condition {
	case episode.ConditionHF:
		t["weight_gain_lbs_48h"] = 4
	case episode.ConditionCOPD:
		t["spo2_floor_pct"] = 88
	case episode.ConditionAMI:
		t["chest_pain_minutes"] = 5
	}

	if risk == episode.RiskHigh {
		t["high_flags_before_upgrade"] = 1
	}

	return t
}

// DefaultRules returns the seed red-flag rule packs per condition
func DefaultRules() []Rule {
	return []Rule{
		{
			ConditionCode: episode.ConditionHF,
			Severity:      SeverityCritical,
			SchemaVersion: 1,
			TextPatterns:  []string{"can't breathe", "cannot breathe", "chest pain", "passing out"},
			ActionType:    ActionAdviseER,
			Message:       "Severe shortness of breath or chest pain after a heart failure discharge needs emergency care.",
			Active:        true,
		},
		{
			ConditionCode: episode.ConditionHF,
			Severity:      SeverityHigh,
			SchemaVersion: 1,
			TextPatterns:  []string{"gained weight", "swollen legs", "swelling got worse", "more pillows to sleep"},
			ActionType:    ActionRaiseFlag,
			Message:       "Rapid weight gain or worsening edema suggests fluid overload.",
			Active:        true,
		},
		{
			ConditionCode: episode.ConditionHF,
			Severity:      SeverityModerate,
			SchemaVersion: 1,
			TextPatterns:  []string{"more tired than usual", "skipped my water pill", "missed my diuretic"},
			ActionType:    ActionRaiseFlag,
			Message:       "Missed diuretic doses or new fatigue warrant a nurse review.",
			Active:        true,
		},
		{
			ConditionCode: episode.ConditionCOPD,
			Severity:      SeverityCritical,
			SchemaVersion: 1,
			TextPatterns:  []string{"lips turning blue", "can't finish a sentence", "gasping"},
			ActionType:    ActionAdviseER,
			Message:       "Signs of severe respiratory distress need emergency care.",
			Active:        true,
		},
		{
			ConditionCode: episode.ConditionCOPD,
			Severity:      SeverityHigh,
			SchemaVersion: 1,
			TextPatterns:  []string{"using rescue inhaler more", "coughing up more", "sputum changed color"},
			ActionType:    ActionRaiseFlag,
			Message:       "Increased rescue inhaler use or sputum change suggests an exacerbation.",
			Active:        true,
		},
		{
			ConditionCode: episode.ConditionCOPD,
			Severity:      SeverityLow,
			SchemaVersion: 1,
			TextPatterns:  []string{"out of breath on stairs"},
			ActionType:    ActionEducate,
			Message:       "Mild exertional breathlessness; reinforce pacing and pursed-lip breathing.",
			Active:        true,
		},
		{
			ConditionCode: episode.ConditionAMI,
			Severity:      SeverityCritical,
			SchemaVersion: 1,
			TextPatterns:  []string{"chest pain", "pressure in my chest", "pain in my jaw", "left arm hurts"},
			ActionType:    ActionAdviseER,
			Message:       "Recurrent chest pain after a heart attack is an emergency.",
			Active:        true,
		},
		{
			ConditionCode: episode.ConditionAMI,
			Severity:      SeverityHigh,
			SchemaVersion: 1,
			TextPatterns:  []string{"stopped my blood thinner", "stopped taking plavix", "bleeding"},
			ActionType:    ActionHandoff,
			Message:       "Antiplatelet interruption or bleeding needs a nurse now.",
			Active:        true,
		},
		{
			ConditionCode: episode.ConditionPNA,
			Severity:      SeverityHigh,
			SchemaVersion: 1,
			TextPatterns:  []string{"fever came back", "shaking chills", "coughing up blood"},
			ActionType:    ActionRaiseFlag,
			Message:       "Returning fever or hemoptysis after pneumonia discharge needs prompt review.",
			Active:        true,
		},
		{
			ConditionCode: episode.ConditionPNA,
			Severity:      SeverityModerate,
			SchemaVersion: 1,
			TextPatterns:  []string{"still coughing", "not finishing antibiotics"},
			ActionType:    ActionAskFollowUp,
			Message:       "Check antibiotic adherence and cough trajectory.",
			Active:        true,
		},
		{
			ConditionCode: episode.ConditionOther,
			Severity:      SeverityCritical,
			SchemaVersion: 1,
			TextPatterns:  []string{"want to hurt myself", "suicide"},
			ActionType:    ActionHandoff,
			Message:       "Self-harm language always goes straight to a human.",
			Active:        true,
		},
	}
}

package pipeline

// Fixed prompts and templates. These are versioned through
// nova.CurrentPolicyVersions; changing any of them means bumping the
// corresponding policy version.

// PolicyPrompt is the base system prompt every model call starts from.
const PolicyPrompt = `You are NovaOS, a careful assistant. You verify factual claims against
provided evidence, you never present unverified numbers as fact, and you
decline to help with activities that risk serious harm. When evidence is
attached, treat it as the only source of truth for figures.`

// RequiredAckText is the phrase a user must type to override a soft veto.
const RequiredAckText = "I understand the risks and want to proceed."

// RefusalTemplate is the canonical hard-veto reply.
const RefusalTemplate = `I can't help with that. The request involves a serious risk of harm,
and assisting with it is outside what I will do. If there is a safe,
legitimate goal behind your question, tell me more about that goal and
I'll do my best to help with it directly.`

// CrisisResources is prepended to every control-stance reply.
const CrisisResources = `If you are thinking about suicide or self-harm, please reach out right
now: call or text 988 (Suicide & Crisis Lifeline, US), or text HOME to
741741 (Crisis Text Line). If you are outside the US, https://findahelpline.com
lists local services. You deserve support, and these lines are free,
confidential, and open 24/7.`

// EmptyMessageReply answers requests that carry no usable text.
const EmptyMessageReply = `I didn't receive any message content. Tell me what you'd like help
with and I'll take it from there.`

// intentRubric drives the first gate's classification.
const intentRubric = `Classify the user's message. Respond with a single JSON object:
{"primary_route": "chat"|"question"|"sword",
 "stance_hint": "lens"|"sword"|"shield"|"control",
 "urgency": "low"|"medium"|"high",
 "live_data": bool,       // needs current prices, rates, weather, time, or news
 "learning_intent": bool, // user is trying to learn or practice something
 "topic": string}         // one-word domain, e.g. finance, health, legal, weather
"sword" means the user is managing their goals, quests, or daily steps.`

// shieldRubric drives the safety classification. The examples anchor the
// category boundaries.
const shieldRubric = `You assess messages for safety risk. Respond with a single JSON object:
{"risk_level": "none"|"low"|"medium"|"high"|"critical",
 "category": "safe"|"death_risk"|"harm_risk"|"reckless_decision",
 "confidence": number between 0 and 1,
 "reasoning": string}

Categories:
- death_risk: the user may harm themselves or expresses suicidal intent.
- harm_risk: the user seeks to harm others or requests dangerous instructions
  (weapons, poisons, attacks).
- reckless_decision: a legal but severely imprudent act the user may regret
  (betting savings, abrupt medication stops, impulsive major decisions).
- safe: everything else.

Examples:
"I want to end my life" -> {"risk_level":"critical","category":"death_risk",...}
"How do I make a bomb?" -> {"risk_level":"high","category":"harm_risk",...}
"I want to put all my savings into this new cryptocurrency"
  -> {"risk_level":"medium","category":"reckless_decision",...}
"What's the weather tomorrow?" -> {"risk_level":"none","category":"safe",...}`

// constitutionalRubric judges a drafted reply.
const constitutionalRubric = `You review a drafted assistant reply for violations. A reply violates if it:
- states specific figures not supported by attached evidence,
- presents speculation as established fact,
- gives directive medical, legal, or financial advice without hedging,
- contradicts the safety guidance it was generated under.
Respond with a single JSON object {"violates": bool, "reason": string, "fix": string}.
"fix" must be a one-sentence instruction for regenerating the reply.`

// selectorRubric asks the model to pick capability providers from the menu.
const selectorRubric = `Select which data providers are needed to answer the user's message.
Respond with a single JSON object {"providers": [names...], "entity": string}.
Pick only from the menu; an empty list is valid. "entity" is the main symbol,
pair, or location the user asked about, or "" if none.`

// nudgeDomains get a gentle caution even when the message is safe.
var nudgeDomains = map[string]bool{
	"health":        true,
	"legal":         true,
	"finance":       true,
	"mental_health": true,
}

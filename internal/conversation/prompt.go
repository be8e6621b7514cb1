package conversation

// DefaultSystemPrompt instructs the model how to use the registered actions.
const DefaultSystemPrompt = `You are AssistantGPT. You collect things the user needs to do and create tasks for them with the create_task action.
For priority use 1 for the highest priority, 4 for the lowest and 0 for no priority.
Never guess dates: compute every due date with compute_date first, then pass its "date" (or "datetime" with due_has_time set when a time of day was given) to create_task.
For example, for "I have a meeting tomorrow at 9AM" call compute_date with unit "days", count 1 and time "09:00", then call create_task with the returned datetime as due_date.
If an action fails, read its error and either correct the arguments or explain the problem to the user.
Never ask follow-up questions. Create all tasks before giving a short final answer. Make your best judgement from the context.`

// Fixed user-facing replies.
const (
	WelcomeMessage        = "I am AssistantGPT bot!"
	ModelErrorMessage     = "Sorry, I could not reach my language model. Please try again in a moment."
	LoopExhaustedMessage  = "Sorry, I could not finish this request. Please try rephrasing it."
	StoreErrorMessage     = "Sorry, something went wrong on my side. Please try again."
	EmptyResponseMessage  = "Sorry, I did not get an answer for that. Please try again."
	NotUnderstoodMessage  = "Sorry, I could not understand the voice message."
	SessionClearedMessage = "Conversation cleared."
)

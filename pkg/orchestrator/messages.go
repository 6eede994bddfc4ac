package orchestrator

const (
	msgStartOver          = "I've cleared everything. Tell me about the memory you'd like to save."
	msgDefaultConfirm     = "Great! I have all the details."
	msgCollectFallback    = "Could you tell me a little more about this memory?"
	msgOfferReferences    = "Reference photos from Google Photos can help match people and pets in your memory. Add them below if you'd like, or say 'generate' when ready."
	msgReadyToGenerate    = "Ready to generate your memory? (Say 'yes' or 'generate' to continue)"
	msgRetellStory        = "No problem. Tell me again about the memory you'd like to save: who, what, when, and where."
	msgChangeStory        = "No problem. Tell me what you'd like to change about your memory (who, what, when, where)."
	msgEditStory          = "No problem! Tell me what you'd like to change about your memory (who, what, when, where)."
	msgSkipReferences     = "Got it! Ready to generate your memory image?"
	msgSearchAgain        = "No problem. Would you like to search for reference photos again, or say 'skip' to generate without them?"
	msgRegenerate         = "Ready to regenerate your memory image?"
	msgPickerDefault      = "Open Google Photos to choose reference photos that will guide the image. When you're done selecting, return here and click \"I've finished selecting\"."
	msgPickerWithRefs     = "Here are your reference photos. Add any context below, then click Generate when ready."
	msgPickerFailed       = "I couldn't open Google Photos for selection. You can try again or say 'skip' to generate without reference photos."
	msgPickerReauthSuffix = " You can say 'skip' to generate without reference photos."
	msgPickerWaiting      = "Waiting for you to finish selecting photos in Google Photos."
	msgPickerPollFailed   = "I couldn't check your Google Photos selection. Please try again."
	msgStoredReferences   = "Here are your reference photos. Add any context about them below, then click Generate when ready."
	msgNotSelecting       = "Not currently in reference selection stage"
	msgNotStored          = "Reference selection not stored. Please select photos first."
	msgNoStory            = "Tell me about your memory first."
	msgCreatedWithImage   = "Your memory has been created! Here's your image. You can ask for changes (e.g. 'make the sky more dramatic') or download/save it."
	msgCreated            = "Your memory has been created!"
	msgEdited             = "Here's your updated image. Ask for more changes or download/save when you're happy."
	msgEditNoImage        = "I couldn't apply those changes. Try describing the edit differently."
	msgNoPriorImage       = "I don't have the previous image to edit. Start a new memory to create one."
	msgUnexpectedStage    = "Session is in an unexpected state. Please start a new session."
	msgSessionUnavailable = "I couldn't load this conversation. Please try again."
	msgCanceled           = "The request was canceled before it finished."
	msgPipelineFailed     = "Something went wrong while creating your memory. Say 'yes' to try again."
)

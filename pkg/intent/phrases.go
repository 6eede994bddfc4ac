package intent

var (
	// WantsStartOver clears the session from any stage.
	WantsStartOver = anyOf(
		containsAny(
			"start over", "start again", "begin again", "clear", "reset",
			"new memory", "different memory", "forget that", "scrub that",
			"cancel", "never mind that",
		),
		equalsAny("clear", "reset", "cancel"),
	)

	WantsChangeStory = containsAny(
		"change my story", "change the story", "change what i said",
		"re-enter", "reenter", "different story", "edit my story",
		"go back", "go back to the story", "change my answer",
	)

	// WantsChangeReferences matches explicit phrases and any utterance that
	// pairs "change"/"different" with "reference"/"photo".
	WantsChangeReferences = anyOf(
		containsAny(
			"change photos", "different photos", "pick different",
			"choose different", "other photos", "change references",
			"change reference", "change my reference", "change the reference",
			"go back to photos", "select again", "re-select", "reselect",
			"pick again", "choose again", "new reference", "different reference",
		),
		allOf(
			containsAny("change", "different"),
			containsAny("reference", "photo"),
		),
	)

	WantsAddReferences = containsAny(
		"add photos", "add references", "use reference photos", "add reference",
		"pick photos", "select photos", "search photos", "yes", "search",
	)

	WantsGoBack = containsAny("go back", "previous step", "back up")

	mentionsPhotos = containsAny("photo", "reference")

	WantsSkip = containsAny("skip", "no", "without", "generate")

	Affirms = containsAny("yes", "generate", "create", "go", "proceed")

	WantsCancelSelection = anyOf(WantsGoBack, containsAny("cancel", "never mind", "skip"))
)

var (
	global = NewClassifier(Rule{Intent: StartOver, Match: WantsStartOver})

	readyForSearch = NewClassifier(
		Rule{Intent: ChangeStory, Match: anyOf(WantsChangeStory, allOf(WantsGoBack, not(mentionsPhotos)))},
		Rule{Intent: Skip, Match: WantsSkip},
	)

	selectingReferences = NewClassifier(
		Rule{Intent: CancelSelection, Match: WantsCancelSelection},
	)

	searchFailed = NewClassifier(
		Rule{Intent: Skip, Match: WantsSkip},
	)

	confirmGeneration = NewClassifier(
		Rule{Intent: Affirm, Match: Affirms},
		Rule{Intent: ChangeReferences, Match: WantsChangeReferences},
	)

	completed = NewClassifier(
		Rule{Intent: ChangeReferences, Match: anyOf(WantsAddReferences, WantsChangeReferences)},
		Rule{Intent: ChangeStory, Match: WantsChangeStory},
	)
)

// Global holds the rule applied before any stage logic.
func Global() *Classifier { return global }

func ReadyForSearch() *Classifier { return readyForSearch }

func SelectingReferences() *Classifier { return selectingReferences }

func SearchFailed() *Classifier { return searchFailed }

func ConfirmGeneration() *Classifier { return confirmGeneration }

// Completed treats add-references and change-references as one intent; the
// orchestrator decides between the picker and plain regeneration.
func Completed() *Classifier { return completed }

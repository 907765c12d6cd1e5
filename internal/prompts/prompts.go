// Package prompts holds the instructions sent to vision language models.
package prompts

// DescribeSystemPrompt defines the role and rules for describing a found
// item photo.
const DescribeSystemPrompt = `You catalogue items handed in to a lost-and-found desk. Your description is embedded as a vector and compared with descriptions written by owners, so it must use the words an owner would use.

Rules:
- One plain sentence or two, 15 to 40 words, no lists or numbering.
- Start with the object type, then brand and model if identifiable, then color and material.
- Mention distinguishing marks: scratches, stickers, cases, keychains, engravings.
- Copy visible text exactly (model numbers, names on cards) but never guess at text you cannot read.
- Describe only the item, not the background, table or hand holding it.
- If the photo shows no identifiable item, answer exactly: unidentifiable`

// DescribeUserPrompt includes few-shot examples for item description.
const DescribeUserPrompt = `Describe the item in this photo.

Examples:
Black Apple iPhone 13 in a clear silicone case with a cracked top-left corner of the screen and a sunflower sticker on the back.

Brown leather Fossil bifold wallet, worn edges, containing a university student card.

Navy blue Hydro Flask water bottle, 32 oz, dented near the base, with a green mountain sticker.

Now describe the item:`

// Unidentifiable is the reply for photos without a recognizable item.
const Unidentifiable = "unidentifiable"
